package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/network"
)

const defaultReason = "No reason given"

// ModerationRequest тело запросов kick/ban/unban/op/deop
type ModerationRequest struct {
	Username string `json:"username" binding:"required"`
	Reason   string `json:"reason"`
}

func (r ModerationRequest) reason() string {
	if r.Reason == "" {
		return defaultReason
	}
	return r.Reason
}

// actor имя администратора в событиях модерации
func actor(c *gin.Context) string {
	return "api:" + c.GetString(ctxUsername)
}

func bindModeration(c *gin.Context) (ModerationRequest, bool) {
	var req ModerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Неверный формат запроса")
		return req, false
	}
	return req, true
}

func (rs *RestServer) moderated(c *gin.Context, action, target, reason string) {
	rs.events.Emit(c.Request.Context(), eventbus.TypePlayerModerated, "", eventbus.ModerationEvent{
		Action: action, Target: target, By: actor(c), Reason: reason,
	})
	rs.logger.Info("🛡️ %s: %s %s %s", actor(c), action, target, reason)
}

// handleSaveWorld сохраняет мир на диск
func (rs *RestServer) handleSaveWorld(c *gin.Context) {
	name := c.Param("name")
	if _, exists := rs.worlds.Get(name); !exists {
		abort(c, http.StatusNotFound, fmt.Sprintf("Мир %s не найден", name))
		return
	}

	ctx := c.Request.Context()
	rs.game.Broadcast(fmt.Sprintf("&6[&e*&6] Saving world %s...", name))
	start := time.Now()
	err := rs.worlds.Save(ctx, name)
	ev := eventbus.WorldEvent{Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
	}
	rs.events.Emit(ctx, eventbus.TypeWorldSaved, name, ev)
	if err != nil {
		rs.logger.Error("Не удалось сохранить мир %q: %v", name, err)
		rs.game.Broadcast("&4[&c!&4] Failed to save! See logs for details.")
		abort(c, http.StatusInternalServerError, "Ошибка сохранения мира")
		return
	}
	rs.game.Broadcast("&6[&e*&6] World saved!")
	respond(c, http.StatusOK, "Мир сохранён", gin.H{
		"world":       name,
		"duration_ms": ev.Duration.Milliseconds(),
	})
}

// handleKick отключает игрока
func (rs *RestServer) handleKick(c *gin.Context) {
	req, valid := bindModeration(c)
	if !valid {
		return
	}
	if !rs.game.Kick(req.Username, "Kicked: "+req.reason()) {
		abort(c, http.StatusNotFound, fmt.Sprintf("Игрок %s не в сети", req.Username))
		return
	}
	rs.moderated(c, "kick", req.Username, req.reason())
	respond(c, http.StatusOK, "Игрок отключён", nil)
}

// handleBan банит игрока и отключает его, если он в сети
func (rs *RestServer) handleBan(c *gin.Context) {
	req, valid := bindModeration(c)
	if !valid {
		return
	}
	ban := auth.Ban{Username: req.Username, Reason: req.reason(), By: actor(c), At: time.Now()}
	if err := rs.perms.Ban(c.Request.Context(), ban); err != nil {
		rs.logger.Error("Ошибка бана %s: %v", req.Username, err)
		abort(c, http.StatusInternalServerError, "Ошибка хранилища прав")
		return
	}
	kicked := rs.game.Kick(req.Username, "Banned: "+req.reason())
	rs.moderated(c, "ban", req.Username, req.reason())
	respond(c, http.StatusOK, "Игрок забанен", gin.H{"kicked": kicked})
}

// handleUnban снимает бан
func (rs *RestServer) handleUnban(c *gin.Context) {
	req, valid := bindModeration(c)
	if !valid {
		return
	}
	err := rs.perms.Unban(c.Request.Context(), req.Username)
	if errors.Is(err, auth.ErrNotFound) {
		abort(c, http.StatusNotFound, fmt.Sprintf("Игрок %s не забанен", req.Username))
		return
	}
	if err != nil {
		rs.logger.Error("Ошибка разбана %s: %v", req.Username, err)
		abort(c, http.StatusInternalServerError, "Ошибка хранилища прав")
		return
	}
	rs.moderated(c, "unban", req.Username, "")
	respond(c, http.StatusOK, "Бан снят", nil)
}

func (rs *RestServer) handleOp(c *gin.Context)   { rs.setOp(c, true) }
func (rs *RestServer) handleDeop(c *gin.Context) { rs.setOp(c, false) }

// setOp меняет статус оператора и уведомляет игрока в сети
func (rs *RestServer) setOp(c *gin.Context, op bool) {
	req, valid := bindModeration(c)
	if !valid {
		return
	}
	err := rs.perms.SetOp(c.Request.Context(), req.Username, op)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		rs.logger.Error("Ошибка изменения прав %s: %v", req.Username, err)
		abort(c, http.StatusInternalServerError, "Ошибка хранилища прав")
		return
	}

	action, notice := "op", "Granted operator permissions"
	if !op {
		action, notice = "deop", "Operator permissions revoked"
	}
	online := rs.game.SetOperator(req.Username, op)
	if online {
		rs.game.Message(req.Username, network.InfoPrefix+notice)
	}
	rs.moderated(c, action, req.Username, "")
	respond(c, http.StatusOK, "Права обновлены", gin.H{"online": online, "op": op})
}

// handleBans возвращает активные баны
func (rs *RestServer) handleBans(c *gin.Context) {
	bans, err := rs.perms.Bans(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "Ошибка хранилища прав")
		return
	}
	respond(c, http.StatusOK, "Список банов", gin.H{"bans": bans, "total": len(bans)})
}

// handleOperators возвращает операторов
func (rs *RestServer) handleOperators(c *gin.Context) {
	ops, err := rs.perms.Operators(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "Ошибка хранилища прав")
		return
	}
	respond(c, http.StatusOK, "Список операторов", gin.H{"operators": ops, "total": len(ops)})
}

// === ИСХОДЯЩИЕ WEBHOOK'И ===

func webhookID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "Неверный ID webhook'а")
		return 0, false
	}
	return id, true
}

// handleGetOutboundWebhooks возвращает список исходящих webhook'ов
func (rs *RestServer) handleGetOutboundWebhooks(c *gin.Context) {
	webhooks := rs.webhooks.GetWebhooks()
	respond(c, http.StatusOK, "Список webhook'ов получен", gin.H{
		"webhooks": webhooks,
		"total":    len(webhooks),
	})
}

// handleCreateOutboundWebhook создаёт исходящий webhook
func (rs *RestServer) handleCreateOutboundWebhook(c *gin.Context) {
	var webhook OutboundWebhook
	if err := c.ShouldBindJSON(&webhook); err != nil {
		abort(c, http.StatusBadRequest, "Неверный формат webhook'а: "+err.Error())
		return
	}
	if len(webhook.Events) == 0 {
		abort(c, http.StatusBadRequest, "Обязательные поля: name, url, events")
		return
	}
	respond(c, http.StatusCreated, "Webhook создан успешно", rs.webhooks.AddWebhook(webhook))
}

// handleDeleteOutboundWebhook удаляет webhook
func (rs *RestServer) handleDeleteOutboundWebhook(c *gin.Context) {
	id, valid := webhookID(c)
	if !valid {
		return
	}
	if !rs.webhooks.DeleteWebhook(id) {
		abort(c, http.StatusNotFound, "Webhook не найден")
		return
	}
	respond(c, http.StatusOK, "Webhook удалён успешно", nil)
}

// handleTestOutboundWebhook отправляет webhook'у тестовое событие
func (rs *RestServer) handleTestOutboundWebhook(c *gin.Context) {
	id, valid := webhookID(c)
	if !valid {
		return
	}
	if _, exists := rs.webhooks.GetWebhook(id); !exists {
		abort(c, http.StatusNotFound, "Webhook не найден")
		return
	}
	if err := rs.webhooks.Test(c.Request.Context(), id); err != nil {
		abort(c, http.StatusBadGateway, err.Error())
		return
	}
	respond(c, http.StatusOK, "Тестовое событие доставлено", gin.H{"webhook_id": id})
}
