package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/omvbridge/internal/mqtt"
)

// Session is the login policy the command path shares with the poller.
type Session interface {
	EnsureLoggedIn(ctx context.Context) error
	Invalidate()
}

// commandTimeout bounds one inbound command including its login.
const commandTimeout = time.Minute

// Commands executes the reboot and shutdown buttons. A PRESS on
// prefix/system/<action> calls the appliance and answers "OK" or
// "FAILED" on the same path.
type Commands struct {
	api     API
	session Session
	pub     *mqtt.Publisher
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewCommands creates the command handler.
func NewCommands(api API, session Session, pub *mqtt.Publisher, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{api: api, session: session, pub: pub, logger: logger}
}

// Subscribe registers the command topics. Commands run on their own
// goroutines derived from ctx so a slow appliance never blocks the
// broker's receive loop.
func (c *Commands) Subscribe(ctx context.Context) error {
	actions := map[string]func(context.Context) error{
		"reboot":   c.api.Reboot,
		"shutdown": c.api.Shutdown,
	}
	for name, action := range actions {
		path := "system/" + name
		err := c.pub.Subscribe(ctx, path, func(msg mqtt.Message) {
			if strings.TrimSpace(string(msg.Payload)) != mqtt.PayloadPress {
				return
			}
			// A retained PRESS is replayed on every subscribe; acting
			// on it would repeat the command after each reconnect.
			if msg.Retained {
				c.logger.Warn("ignoring retained appliance command", "command", name, "topic", msg.Topic)
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.run(ctx, name, path, action)
			}()
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", path, err)
		}
	}
	return nil
}

// Wait blocks until every in-flight command has finished.
func (c *Commands) Wait() {
	c.wg.Wait()
}

func (c *Commands) run(ctx context.Context, name, path string, action func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	c.logger.Info("appliance command received", "command", name)

	err := c.session.EnsureLoggedIn(ctx)
	if err == nil {
		err = action(ctx)
	}
	if err != nil {
		c.logger.Error("appliance command failed", "command", name, "error", err)
		c.session.Invalidate()
		c.pub.Publish(ctx, path, mqtt.Leaf("FAILED"))
		return
	}

	c.logger.Info("appliance command accepted", "command", name)
	c.pub.Publish(ctx, path, mqtt.Leaf("OK"))
}
