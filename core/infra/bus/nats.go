// Package bus publishes JSON events on NATS.
package bus

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
)

const envUseJetStream = "NATS_USE_JETSTREAM"

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// conn is the subset of *nats.Conn the bus publishes through.
type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// jetStream is the subset of nats.JetStreamContext used for deduplicated
// publishes.
type jetStream interface {
	Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON.
type NatsBus struct {
	nc conn
	js jetStream
}

// NewNatsBus dials NATS at the provided URL. When NATS_USE_JETSTREAM is set,
// publishes go through JetStream with the message id as dedupe key.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("opensheath-controlplane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	if jetStreamEnabled() {
		js, err := nc.JetStream()
		if err != nil {
			logging.Warn("bus", "jetstream unavailable, using core publish", "err", err)
		} else {
			b.js = js
		}
	}
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// PublishJSON encodes v and publishes it on subject. msgID is used as the
// JetStream dedupe key when JetStream is enabled.
func (b *NatsBus) PublishJSON(subject, msgID string, v any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if strings.TrimSpace(subject) == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if b.js != nil {
		if msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// SubjectToken makes s safe to use as one subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_", "\t", "_").Replace(s)
}

func jetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
