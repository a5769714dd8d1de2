// Package ai is the outbound connector to the toxicity scoring service.
// It is deliberately fire-and-forget: the core never waits on, or acts
// on, a score. The scoring service is expected to report results to the
// telemetry sink on its own.
package ai

import (
	"log"
	"net"
	"time"
)

// Connector dials the scoring service once per message and forgets
// about the connection as soon as the line is written.
type Connector struct {
	addr    string
	timeout time.Duration
}

// New returns a Connector that dials addr (host:port) for each message.
func New(addr string, timeout time.Duration) *Connector {
	return &Connector{addr: addr, timeout: timeout}
}

// Score sends line to the scoring service on its own goroutine. Any
// dial or write failure is logged and otherwise swallowed: nothing in
// the core is permitted to depend on this succeeding.
func (c *Connector) Score(line string) {
	if c.addr == "" {
		return
	}
	go c.score(line)
}

func (c *Connector) score(line string) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		log.Printf("ai: dial %s: %s", c.addr, err)
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		log.Printf("ai: set deadline: %s", err)
		return
	}

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		log.Printf("ai: write to %s: %s", c.addr, err)
	}
}
