package ledger

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string // memory, leveldb or http
	Path     string // leveldb directory
	URL      string // http base URL
	Timeout  time.Duration
	Recorder AnchorRecorder
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the configured ledger wrapped with timeout and audit logging.
// The returned closer releases backend resources.
func Open(opts Options, logger zerolog.Logger) (Ledger, io.Closer, error) {
	var (
		base   Ledger
		closer io.Closer = nopCloser{}
	)

	switch opts.Backend {
	case "", "memory":
		base = NewMemoryLedger()
	case "leveldb":
		l, err := OpenLevelDBLedger(opts.Path)
		if err != nil {
			return nil, nil, err
		}
		base, closer = l, l
	case "http":
		if opts.URL == "" {
			return nil, nil, fmt.Errorf("ledger: http backend requires a URL")
		}
		base = NewHTTPLedger(opts.URL, opts.Timeout)
	default:
		return nil, nil, fmt.Errorf("ledger: unknown backend %q", opts.Backend)
	}

	return NewAudited(WithTimeout(base, opts.Timeout), logger, opts.Recorder), closer, nil
}
