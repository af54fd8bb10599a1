package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/annel0/classic-server/internal/api"
	"github.com/annel0/classic-server/internal/eventbus"
)

func main() {
	var (
		addr   = flag.String("addr", ":3000", "Адрес HTTP приёмника")
		secret = flag.String("secret", "", "Секрет подписи webhook'а (пусто = без проверки)")
	)
	flag.Parse()

	log.Println("🔗 Запуск приёмника webhook'ов...")
	gin.SetMode(gin.ReleaseMode)
	r := newRouter(*secret, func(ev *eventbus.Envelope) { log.Print(format(ev)) })

	log.Printf("✅ Приёмник запущен на %s", *addr)
	log.Println("   GET  /         - Статистика")
	log.Println("   POST /webhook  - События сервера")
	if err := r.Run(*addr); err != nil {
		log.Fatalf("Ошибка запуска сервера: %v", err)
	}
}

// receiver считает принятые события по типам
type receiver struct {
	secret  string
	handle  func(*eventbus.Envelope)
	started time.Time

	mu     sync.Mutex
	counts map[string]int
	total  int
}

func newRouter(secret string, handle func(*eventbus.Envelope)) *gin.Engine {
	rc := &receiver{secret: secret, handle: handle, started: time.Now(), counts: make(map[string]int)}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s\" %d %s\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	r.GET("/", rc.stats)
	r.POST("/webhook", rc.webhook)
	return r
}

func (rc *receiver) stats(c *gin.Context) {
	rc.mu.Lock()
	byType := make(map[string]int, len(rc.counts))
	for t, n := range rc.counts {
		byType[t] = n
	}
	total := rc.total
	rc.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"received":   total,
		"by_type":    byType,
		"uptime_sec": int(time.Since(rc.started).Seconds()),
	})
}

func (rc *receiver) webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}
	if rc.secret != "" && !api.VerifySignature(body, rc.secret, c.GetHeader(api.SignatureHeader)) {
		log.Printf("🚨 Неверная подпись от %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var ev eventbus.Envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	rc.mu.Lock()
	rc.total++
	rc.counts[ev.EventType]++
	rc.mu.Unlock()
	rc.handle(&ev)
	c.JSON(http.StatusOK, gin.H{"status": "received", "event_type": ev.EventType})
}

// format возвращает строку журнала для события
func format(ev *eventbus.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📧 %s от %s", ev.EventType, ev.Source)
	if ev.World != "" {
		fmt.Fprintf(&b, " [%s]", ev.World)
	}

	var fields map[string]interface{}
	if ev.Decode(&fields) == nil && len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	return b.String()
}
