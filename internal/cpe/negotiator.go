package cpe

import "errors"

// Ошибки подпротокола согласования
var (
	ErrUnexpectedInfo  = errors.New("cpe: повторный ExtInfo")
	ErrUnexpectedEntry = errors.New("cpe: ExtEntry вне согласования")
	ErrIncomplete      = errors.New("cpe: согласование не завершено")
	ErrUnexpectedLevel = errors.New("cpe: CustomBlockSupportLevel вне согласования")
)

// Negotiator ведёт согласование расширений одного соединения:
// сервер отправляет свой список, клиент отвечает ExtInfo и count записями ExtEntry.
type Negotiator struct {
	server   []Extension
	client   []Extension
	appName  string
	expected int
	gotInfo  bool
	done     bool

	// Если согласован CustomBlocks, клиент должен ответить уровнем поддержки
	awaitingLevel bool
	blockLevel    uint8
}

// NewNegotiator создаёт согласователь со списком расширений сервера
func NewNegotiator(server []Extension) *Negotiator {
	return &Negotiator{server: server}
}

// Offer возвращает список, который сервер объявляет клиенту
func (n *Negotiator) Offer() []Extension {
	out := make([]Extension, len(n.server))
	copy(out, n.server)
	return out
}

// HandleInfo обрабатывает ExtInfo клиента. Возвращает true, если согласование
// завершено (клиент объявил ноль расширений).
func (n *Negotiator) HandleInfo(appName string, count int) (bool, error) {
	if n.gotInfo {
		return n.done, ErrUnexpectedInfo
	}
	n.gotInfo = true
	n.appName = appName
	n.expected = count
	if count <= 0 {
		n.finishEntries()
	}
	return n.done, nil
}

// HandleEntry обрабатывает очередной ExtEntry клиента
func (n *Negotiator) HandleEntry(ext Extension) (bool, error) {
	if !n.gotInfo || n.done || n.awaitingLevel {
		return n.done, ErrUnexpectedEntry
	}
	n.client = append(n.client, ext)
	if len(n.client) >= n.expected {
		n.finishEntries()
	}
	return n.done, nil
}

// finishEntries завершает обмен списками; при согласованном CustomBlocks
// согласование продолжается до ответа клиента с уровнем поддержки
func (n *Negotiator) finishEntries() {
	if Negotiate(n.server, n.client).Has(CustomBlocks) {
		n.awaitingLevel = true
		return
	}
	n.done = true
}

// AwaitingBlockLevel сообщает, что сервер должен отправить CustomBlockSupportLevel
// и дождаться ответа клиента
func (n *Negotiator) AwaitingBlockLevel() bool {
	return n.awaitingLevel && !n.done
}

// HandleBlockLevel обрабатывает ответ клиента CustomBlockSupportLevel.
// Уровень 0 исключает CustomBlocks из итогового набора.
func (n *Negotiator) HandleBlockLevel(level uint8) error {
	if !n.AwaitingBlockLevel() {
		return ErrUnexpectedLevel
	}
	if level > CustomBlocksLevel {
		level = CustomBlocksLevel
	}
	n.blockLevel = level
	n.done = true
	return nil
}

// BlockLevel возвращает согласованный уровень CustomBlocks
func (n *Negotiator) BlockLevel() uint8 {
	return n.blockLevel
}

// Abort завершает согласование без расширений (клиент не поддерживает CPE
// или отключился посреди обмена)
func (n *Negotiator) Abort() {
	n.client = nil
	n.awaitingLevel = false
	n.done = true
}

// Done сообщает, завершено ли согласование
func (n *Negotiator) Done() bool {
	return n.done
}

// ClientName возвращает имя клиентского приложения из ExtInfo
func (n *Negotiator) ClientName() string {
	return n.appName
}

// Result возвращает замороженный набор возможностей
func (n *Negotiator) Result() (CapabilitySet, error) {
	if !n.done {
		return Empty(), ErrIncomplete
	}
	caps := Negotiate(n.server, n.client)
	if caps.Has(CustomBlocks) && n.blockLevel == 0 {
		caps = caps.without(CustomBlocks)
	}
	return caps, nil
}
