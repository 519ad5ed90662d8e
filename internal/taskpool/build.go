package taskpool

import (
	"fmt"
	"net/http"

	"tradeflow/internal/config"
	"tradeflow/internal/domain"
	remote "tradeflow/internal/handlers/http"
	"tradeflow/internal/handlers/shell"
	"tradeflow/internal/ingest"
	"tradeflow/internal/worker"
)

// BuildRegistry registers one handler per configured task type.
func BuildRegistry(handlers map[domain.TaskType]config.HandlerConfig) (*worker.Registry, error) {
	reg := worker.NewRegistry()
	for typ, hc := range handlers {
		var h worker.Handler
		switch hc.Kind {
		case "http":
			h = remote.New(hc.URL, hc.Headers, hc.Timeout)
		case "shell":
			h = shell.Exec{Command: hc.Command, Args: hc.Args}
		default:
			return nil, fmt.Errorf("handler %s: unknown kind %q", typ, hc.Kind)
		}
		if err := reg.Register(typ, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewTransport returns the configured event stream transport, or nil when
// ingestion is disabled.
func NewTransport(cfg config.Config) (ingest.Transport, error) {
	switch cfg.Transport {
	case "", "none":
		return nil, nil
	case "redis":
		t, err := ingest.NewRedisTransport(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "websocket":
		return ingest.NewWebSocketTransport(cfg.WebSocketURL, http.Header{}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
