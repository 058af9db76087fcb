package retry

import (
	"fmt"
	"os"

	"github.com/aceteam-ai/narrator-cli/internal/keypool"
)

// Controller applies classified failures to a key pool.
type Controller struct {
	pool  *keypool.Manager
	logFn func(level, msg string)
}

// NewController creates a controller for pool. logFn may be nil.
func NewController(pool *keypool.Manager, logFn func(level, msg string)) *Controller {
	return &Controller{pool: pool, logFn: logFn}
}

// Handle classifies err for keyID, records the key-level effect and returns
// the decision for the job.
func (c *Controller) Handle(keyID string, err error) Decision {
	rpm, rpd := c.pool.Usage(keyID)
	d := Classify(err, Usage{RPM: rpm, RPD: rpd, Limits: c.pool.Limits(keyID)})

	if d.Category == CategoryCancelled {
		return d
	}
	if recErr := c.pool.RecordFailure(keyID, d.Key); recErr != nil {
		c.log("warning", "Failed to record failure for %s: %v", keyID, recErr)
	}

	name := keyID
	if k, ok := c.pool.Key(keyID); ok {
		name = k.DisplayName()
	}

	switch d.Category {
	case CategoryFatal:
		c.log("error", "Key %s disabled: %s", name, d.Reason)
	case CategoryDailyQuota:
		c.log("warning", "Key %s exhausted until next UTC midnight", name)
	case CategoryRateQuota, CategoryTokenQuota:
		c.log("warning", "Key %s: %s", name, d.Reason)
	default:
		if d.Blocks() {
			c.log("warning", "Key %s blocked for %s: %s", name, d.Key.Block, d.Reason)
		} else {
			c.log("info", "Key %s: %s", name, d.Reason)
		}
	}
	return d
}

func (c *Controller) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if c.logFn != nil {
		c.logFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	}
}
