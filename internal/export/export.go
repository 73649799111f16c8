package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cardpay/internal/payment"
)

// DefaultTTL matches how long a download token stays redeemable.
const DefaultTTL = 24 * time.Hour

var (
	ErrUnknownToken = errors.New("download token was not issued by this agent")
	ErrExpiredToken = errors.New("download token expired")
)

// Artifact is an exported image ready to stream.
type Artifact struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Exporter renders the current business card scene.
type Exporter interface {
	Export(ctx context.Context) (Artifact, error)
}

// FileExporter serves a pre-rendered image from disk.
type FileExporter struct {
	Path string
}

func (f FileExporter) Export(_ context.Context) (Artifact, error) {
	if f.Path == "" {
		return Artifact{}, errors.New("export image path is not configured")
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open export image: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return Artifact{}, fmt.Errorf("stat export image: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(f.Path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Artifact{
		Name:        filepath.Base(f.Path),
		ContentType: ct,
		Size:        info.Size(),
		Body:        file,
	}, nil
}

// Gate hands out the export only for tokens a workflow produced in this process.
// It observes workflows and records every token a terminal success carries.
type Gate struct {
	exporter Exporter
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	issued map[payment.DownloadToken]time.Time
}

func NewGate(exporter Exporter, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		exporter: exporter,
		ttl:      ttl,
		now:      time.Now,
		issued:   make(map[payment.DownloadToken]time.Time),
	}
}

// Grant makes token redeemable until the TTL passes.
func (g *Gate) Grant(token payment.DownloadToken) {
	if token == "" {
		return
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for issued, expires := range g.issued {
		if !now.Before(expires) {
			delete(g.issued, issued)
		}
	}
	g.issued[token] = now.Add(g.ttl)
}

func (g *Gate) StateChanged(snap payment.Snapshot) {
	if snap.Stage == payment.StageConfirmed || snap.Stage == payment.StageCompleted {
		g.Grant(snap.Token)
	}
}

func (g *Gate) PollCompleted(payment.Flow, payment.PollOutcome) {}

// Open checks the token and returns the artifact. The caller closes Body.
func (g *Gate) Open(ctx context.Context, token payment.DownloadToken) (Artifact, error) {
	g.mu.Lock()
	expires, ok := g.issued[token]
	if ok && !g.now().Before(expires) {
		delete(g.issued, token)
		g.mu.Unlock()
		return Artifact{}, ErrExpiredToken
	}
	g.mu.Unlock()
	if !ok {
		return Artifact{}, ErrUnknownToken
	}
	return g.exporter.Export(ctx)
}
