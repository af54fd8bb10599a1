package heartbeat

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Границы соли: base62 "1000000000000000" и "zzzzzzzzzzzzzzzz", ровно 16 символов
var (
	saltMin = decodeBase62("1000000000000000")
	saltMax = decodeBase62("zzzzzzzzzzzzzzzz")
)

// SaltRing хранит последние выданные соли для проверки ключей входа.
// Ключ клиента равен hex(md5(salt + username)) для одной из солей.
type SaltRing struct {
	mu    sync.RWMutex
	kept  int
	salts []string // новые в начале
}

// NewSaltRing создаёт кольцо на kept солей. kept == 0 отключает проверку.
func NewSaltRing(kept int) *SaltRing {
	if kept < 0 {
		kept = 0
	}
	return &SaltRing{kept: kept, salts: make([]string, 0, kept)}
}

// Enabled сообщает, проверяются ли имена игроков
func (r *SaltRing) Enabled() bool {
	return r != nil && r.kept > 0
}

// Rotate выпускает новую соль, вытесняя самую старую.
// При отключённой проверке возвращает "0".
func (r *SaltRing) Rotate() (string, error) {
	if !r.Enabled() {
		return "0", nil
	}
	salt, err := NewSalt()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.salts) < r.kept {
		r.salts = append(r.salts, "")
	}
	copy(r.salts[1:], r.salts)
	r.salts[0] = salt
	return salt, nil
}

// Current возвращает последнюю выданную соль или "" если их ещё нет
func (r *SaltRing) Current() string {
	if !r.Enabled() {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.salts) == 0 {
		return ""
	}
	return r.salts[0]
}

// Verify проверяет ключ входа. При отключённой проверке всегда true.
func (r *SaltRing) Verify(username, key string) bool {
	if !r.Enabled() {
		return true
	}
	key = strings.ToLower(strings.TrimSpace(key))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, salt := range r.salts {
		expected := Key(salt, username)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// Key вычисляет ожидаемый ключ игрока для соли
func Key(salt, username string) string {
	sum := md5.Sum([]byte(salt + username))
	return hex.EncodeToString(sum[:])
}

// NewSalt генерирует случайную 16-символьную base62 соль
func NewSalt() (string, error) {
	span := new(big.Int).Sub(saltMax, saltMin)
	span.Add(span, big.NewInt(1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", err
	}
	return encodeBase62(n.Add(n, saltMin)), nil
}

func encodeBase62(n *big.Int) string {
	if n.Sign() == 0 {
		return "0"
	}
	base := big.NewInt(62)
	v := new(big.Int).Set(n)
	mod := new(big.Int)
	var out []byte
	for v.Sign() > 0 {
		v.DivMod(v, base, mod)
		out = append(out, base62Alphabet[mod.Int64()])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func decodeBase62(s string) *big.Int {
	base := big.NewInt(62)
	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(strings.IndexByte(base62Alphabet, s[i]))))
	}
	return n
}
