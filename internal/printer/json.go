package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// JSONPrinter writes one JSON line per exchange
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON line printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.mu.Lock()
	p.out = w
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonExchangeEnvelope struct {
	Type   string             `json:"type"`
	Seq    uint64             `json:"seq"`
	Mocked bool               `json:"mocked"`
	Log    *record.RequestLog `json:"log"`
}

// PrintExchange encodes the exchange as a single line
func (p *JSONPrinter) PrintExchange(entry *record.RequestLog) error {
	env := jsonExchangeEnvelope{
		Type:   "exchange",
		Seq:    nextExchangeNumber(),
		Mocked: entry.Mocked(),
		Log:    entry,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(env); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode exchange JSON", "error", err)
		}
		return err
	}
	return nil
}
