package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/events"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ROOM_EVENTS",
		SubjectPrefix:   "rooms.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// NATSMirror copies room events into a JetStream stream, one subject per
// session, for audit and export consumers.
type NATSMirror struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewNATSMirror(ctx context.Context, cfg JetStreamConfig) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("trolley-room-events"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	m := &NATSMirror{nc: nc, js: js, config: cfg}
	if err := m.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return m, nil
}

func (m *NATSMirror) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        m.config.StreamName,
		Description: "Room event mirror",
		Subjects:    []string{m.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    m.config.Replicas,
		Duplicates:  m.config.DuplicateWindow,
	}

	stream, err := m.js.CreateOrUpdateStream(ctx, sc)
	if err != nil {
		return fmt.Errorf("create or update stream: %w", err)
	}
	log.Info().
		Str("stream", stream.CachedInfo().Config.Name).
		Msg("JetStream stream ready")
	return nil
}

// Subject is where events for sessionID are published.
func (m *NATSMirror) Subject(evt events.Event) string {
	return fmt.Sprintf("%s.%s", m.config.SubjectPrefix, evt.SessionID)
}

// Mirror publishes evt, de-duplicated by event id.
func (m *NATSMirror) Mirror(ctx context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := m.Subject(evt)

	ack, err := m.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(evt.Type)},
			"Session-ID": []string{evt.SessionID.String()},
			"Event-ID":   []string{evt.ID.String()},
		},
	},
		jetstream.WithMsgID(evt.ID.String()),
		jetstream.WithExpectStream(m.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", evt.ID.String()).
		Uint64("sequence", ack.Sequence).
		Msg("mirrored event")
	return nil
}

// Healthy reports whether the NATS connection is up.
func (m *NATSMirror) Healthy() bool {
	return m.nc != nil && m.nc.IsConnected()
}

func (m *NATSMirror) Close() error {
	if m.nc != nil {
		if err := m.nc.Drain(); err != nil {
			m.nc.Close()
			return err
		}
	}
	return nil
}
