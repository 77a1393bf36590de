package statuscheck

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BucketChecker is satisfied by the S3 output mirror.
type BucketChecker interface {
	Check(ctx context.Context) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis    RedisPinger
	mirror   BucketChecker
	programs []string
	lookPath func(string) (string, error)
}

// Options configures the Checker. Mirror may be nil when no bucket is configured.
type Options struct {
	Redis    RedisPinger
	Mirror   BucketChecker
	Programs []string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	OK       bool              `json:"ok"`
	Redis    Status            `json:"redis"`
	S3       Status            `json:"s3"`
	Binaries map[string]Status `json:"binaries"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	programs := append([]string(nil), opts.Programs...)
	sort.Strings(programs)
	return &Checker{
		redis:    opts.Redis,
		mirror:   opts.Mirror,
		programs: programs,
		lookPath: exec.LookPath,
	}
}

// Summary returns the current status snapshot. A missing S3 mirror is
// reported but does not make the summary unhealthy.
func (c *Checker) Summary(ctx context.Context) Summary {
	s := Summary{
		Redis:    c.checkRedis(ctx),
		S3:       c.checkS3(ctx),
		Binaries: make(map[string]Status, len(c.programs)),
	}
	s.OK = s.Redis.OK && (s.S3.OK || c.mirror == nil)
	for _, p := range c.programs {
		st := c.checkBinary(p)
		s.Binaries[p] = st
		s.OK = s.OK && st.OK
	}
	return s
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.mirror == nil {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.mirror.Check(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkBinary(name string) Status {
	path, err := c.lookPath(name)
	if err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: path}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
