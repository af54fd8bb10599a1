package network

import (
	"errors"
	"net"
	"sync"
	"time"
)

// errOutboxClosed очередь закрыта, сессия отключается
var errOutboxClosed = errors.New("network: outbox closed")

// maxBatch предел склейки пакетов в одну запись в сокет
const maxBatch = 32 * 1024

// outbox ограниченная очередь исходящих пакетов одной сессии с отдельной
// горутиной записи. Send не блокируется: при переполнении вызывается
// onOverflow и сессия отключается. Канал очереди никогда не закрывается.
type outbox struct {
	conn    net.Conn
	queue   chan []byte
	quit    chan struct{}
	done    chan struct{}
	timeout time.Duration
	metrics *Metrics

	onOverflow func()

	mu       sync.Mutex
	closed   bool
	held     bool
	pending  [][]byte
	final    []byte
	discard  bool
	stopOnce sync.Once
}

func newOutbox(conn net.Conn, size int, timeout time.Duration, metrics *Metrics) *outbox {
	if size <= 0 {
		size = 1024
	}
	return &outbox{
		conn:    conn,
		queue:   make(chan []byte, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: timeout,
		metrics: metrics,
	}
}

// start запускает горутину записи
func (o *outbox) start() {
	go o.run()
}

// Send ставит пакет в очередь без блокировки. Пока очередь удержана
// (передача уровня), пакеты копятся в pending в порядке поступления.
func (o *outbox) Send(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	ok := true
	if o.held {
		if len(o.pending) >= cap(o.queue) {
			ok = false
		} else {
			o.pending = append(o.pending, frame)
		}
	} else {
		select {
		case o.queue <- frame:
		default:
			ok = false
		}
	}
	o.mu.Unlock()

	if !ok {
		o.overflow()
		return false
	}
	if o.metrics != nil {
		o.metrics.framesOut.Inc()
	}
	return true
}

// Write ставит пакет в очередь, ожидая места. Используется горутиной
// чтения для потока уровня, который обходит удержание.
func (o *outbox) Write(frame []byte) error {
	select {
	case <-o.quit:
		return errOutboxClosed
	default:
	}
	select {
	case o.queue <- frame:
		if o.metrics != nil {
			o.metrics.framesOut.Inc()
		}
		return nil
	case <-o.quit:
		return errOutboxClosed
	}
}

// Hold откладывает пакеты Send до Release
func (o *outbox) Hold() {
	o.mu.Lock()
	o.held = true
	o.mu.Unlock()
}

// Release переносит отложенные пакеты в очередь
func (o *outbox) Release() {
	o.mu.Lock()
	o.held = false
	pending := o.pending
	o.pending = nil
	ok := true
	if !o.closed {
		for _, frame := range pending {
			select {
			case o.queue <- frame:
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
	}
	o.mu.Unlock()

	if !ok {
		o.overflow()
	}
}

func (o *outbox) overflow() {
	if o.metrics != nil {
		o.metrics.overflows.Inc()
	}
	if o.onOverflow != nil {
		o.onOverflow()
	}
}

// Close завершает очередь. final (если не nil) отправляется последним.
// При flush уже поставленные пакеты дописываются, иначе отбрасываются.
func (o *outbox) Close(final []byte, flush bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.final = final
	o.discard = !flush
	o.pending = nil
	o.mu.Unlock()
	o.stop()
}

func (o *outbox) stop() {
	o.stopOnce.Do(func() { close(o.quit) })
}

// Done закрывается, когда горутина записи завершилась и сокет закрыт
func (o *outbox) Done() <-chan struct{} {
	return o.done
}

func (o *outbox) run() {
	defer close(o.done)
	defer o.conn.Close()

	buf := make([]byte, 0, maxBatch)
	for {
		select {
		case frame := <-o.queue:
			buf = o.batch(append(buf[:0], frame...))
			if err := o.write(buf); err != nil {
				o.fail()
				return
			}
		case <-o.quit:
			o.finish(buf)
			return
		}
	}
}

// batch добирает из очереди готовые пакеты, пока запись не превысит maxBatch
func (o *outbox) batch(buf []byte) []byte {
	for len(buf) < maxBatch {
		select {
		case frame := <-o.queue:
			buf = append(buf, frame...)
		default:
			return buf
		}
	}
	return buf
}

// finish дописывает очередь (если не отброшена) и финальный пакет
func (o *outbox) finish(buf []byte) {
	o.mu.Lock()
	final, discard := o.final, o.discard
	o.mu.Unlock()

	buf = buf[:0]
	if !discard {
	drain:
		for {
			select {
			case frame := <-o.queue:
				buf = append(buf, frame...)
			default:
				break drain
			}
		}
	}
	buf = append(buf, final...)
	if len(buf) > 0 {
		_ = o.write(buf)
	}
}

func (o *outbox) write(buf []byte) error {
	if o.timeout > 0 {
		_ = o.conn.SetWriteDeadline(time.Now().Add(o.timeout))
	}
	n, err := o.conn.Write(buf)
	if o.metrics != nil {
		o.metrics.bytesOut.Add(float64(n))
	}
	return err
}

// fail помечает очередь закрытой после ошибки записи
func (o *outbox) fail() {
	o.mu.Lock()
	o.closed = true
	o.pending = nil
	o.mu.Unlock()
	o.stop()
}
