package printer

import (
	"sync/atomic"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// Printer writes finished exchanges to the terminal
type Printer interface {
	PrintExchange(*record.RequestLog) error
}

var globalExchangeCounter uint64

func nextExchangeNumber() uint64 {
	return atomic.AddUint64(&globalExchangeCounter, 1)
}

// New creates the printer for cfg.Mode, or nil when output is silenced
func New(log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return nil
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log, cfg)
	}
}

// Observer adapts a Printer to store notifications. Each exchange is
// printed once, when its response is known: mocked logs on creation,
// forwarded logs on completion.
type Observer struct {
	printer Printer
	logger  logger.Logger
}

// NewObserver returns nil when p is nil.
func NewObserver(p Printer, log logger.Logger) *Observer {
	if p == nil {
		return nil
	}
	return &Observer{printer: p, logger: log}
}

// LogCreated prints logs that were answered before being stored.
func (o *Observer) LogCreated(entry *record.RequestLog) {
	if entry.Pending() {
		return
	}
	o.print(entry)
}

// LogUpdated prints forwarded exchanges.
func (o *Observer) LogUpdated(entry *record.RequestLog) {
	o.print(entry)
}

func (o *Observer) print(entry *record.RequestLog) {
	if err := o.printer.PrintExchange(entry); err != nil && o.logger != nil {
		o.logger.Error("Failed to print exchange", "error", err, "id", entry.ID)
	}
}
