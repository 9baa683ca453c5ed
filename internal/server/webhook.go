// Package server exposes the inbound HTTP surface: the platform webhook and
// a liveness probe.
package server

import (
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chatrelay/chatrelay/internal/gateway"
	"github.com/chatrelay/chatrelay/internal/session"
)

// Relay accepts inbound messages. The gateway orchestrator satisfies it.
type Relay interface {
	HandleInbound(msg gateway.Inbound) error
}

// inboundPayload is the webhook body posted by platform connectors.
type inboundPayload struct {
	MessageID        string              `json:"message_id"`
	Platform         string              `json:"platform"`
	ConversationID   string              `json:"conversation_id"`
	ConversationType string              `json:"conversation_type"`
	SenderID         string              `json:"sender_id"`
	SenderNick       string              `json:"sender_nick"`
	Text             string              `json:"text"`
	Attachments      []attachmentPayload `json:"attachments"`
}

type attachmentPayload struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	DataBase64 string `json:"data_base64"`
}

// New builds the echo instance with routes and middleware mounted.
func New(log *slog.Logger, relay Relay) *echo.Echo {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("component", "server"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// The webhook acknowledges immediately; the exchange itself runs after
	// the debounce window, long past this request's lifetime.
	e.POST("/webhook/messages", func(c echo.Context) error {
		var payload inboundPayload
		if err := c.Bind(&payload); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
		}
		if payload.ConversationID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
		}

		msg := gateway.Inbound{
			MessageID:        payload.MessageID,
			Platform:         payload.Platform,
			ConversationID:   payload.ConversationID,
			ConversationType: payload.ConversationType,
			SenderID:         payload.SenderID,
			SenderNick:       payload.SenderNick,
			Text:             payload.Text,
		}
		for _, att := range payload.Attachments {
			data, err := base64.StdEncoding.DecodeString(att.DataBase64)
			if err != nil {
				logger.Warn("dropping undecodable attachment",
					slog.String("message_id", payload.MessageID),
					slog.String("name", att.Name))
				continue
			}
			msg.Attachments = append(msg.Attachments, session.Attachment{
				Kind: att.Kind,
				Name: att.Name,
				Data: data,
			})
		}

		if err := relay.HandleInbound(msg); err != nil {
			logger.Error("enqueue inbound failed",
				slog.String("message_id", payload.MessageID),
				slog.String("error", err.Error()))
			return echo.NewHTTPError(http.StatusServiceUnavailable, "relay shutting down")
		}
		return c.NoContent(http.StatusOK)
	})

	return e
}
