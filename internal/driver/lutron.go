package driver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/homeprobe/homeprobe/internal/config"
)

// Radio Ra2 Select factory integration credentials, used when the config
// does not override them.
const (
	lutronDefaultUser     = "lutron"
	lutronDefaultPassword = "integration"
	lutronDefaultPort     = "23"
)

// lutron queries output levels from a Lutron hub over the telnet side of
// the Lutron Integration Protocol. The hub interleaves unsolicited
// monitoring lines (~DEVICE, ~OUTPUT from app activity) with query
// replies, so reads skip anything that is not the awaited reply.
type lutron struct {
	mc config.Module
}

func newLutron(mc config.Module) *lutron {
	return &lutron{mc: mc}
}

func (d *lutron) credentials() (user, password string) {
	user, password = d.mc.User, d.mc.Password()
	if user == "" {
		user = lutronDefaultUser
	}
	if password == "" {
		password = lutronDefaultPassword
	}
	return user, password
}

func (d *lutron) Collect(ctx context.Context, req Request) ([]Sample, error) {
	addr := req.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, lutronDefaultPort)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	session := &lipSession{conn: conn, r: bufio.NewReader(conn)}
	if err := session.login(d.credentials()); err != nil {
		return nil, err
	}

	var samples []Sample
	for _, area := range sortedAreas(d.mc.Areas) {
		for _, dev := range d.mc.Areas[area] {
			level, err := session.queryOutput(dev.ID)
			if err != nil {
				return nil, err
			}
			samples = append(samples, Sample{
				Name: "output_level_pct",
				Help: "output level (percent)",
				Labels: L("area", area, "device_id", strconv.Itoa(dev.ID),
					"name", dev.Name),
				Value: level,
			})
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no areas configured for %s", ErrProtocol, req.Target)
	}
	return samples, nil
}

func sortedAreas(areas map[string][]config.Device) []string {
	names := make([]string, 0, len(areas))
	for name := range areas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lipSession wraps the prompt-driven telnet exchange.
type lipSession struct {
	conn net.Conn
	r    *bufio.Reader
}

// login answers the hub's login and password prompts and waits for the
// command prompt (GNET> on Radio Ra2 Select, QNET> on Homeworks QS).
func (s *lipSession) login(user, password string) error {
	if err := s.expect("login: "); err != nil {
		return err
	}
	if err := s.send(user); err != nil {
		return err
	}
	if err := s.expect("password: "); err != nil {
		return err
	}
	if err := s.send(password); err != nil {
		return err
	}
	prompt, err := s.awaitPrompt()
	if err != nil {
		return err
	}
	// A rejected login re-issues the login prompt instead of a command
	// prompt.
	if strings.HasSuffix(prompt, "login: ") {
		return &UnauthorizedError{Err: fmt.Errorf("hub rejected login for %q", user)}
	}
	return nil
}

// queryOutput sends ?OUTPUT,<id>,1 and waits for the ~OUTPUT,<id>,1,<level>
// reply, skipping unsolicited monitoring lines. The reply is matched
// anywhere in the line, not at its start: the command prompt carries no
// trailing newline, so a previous "GNET> " glues onto the front of the
// next reply line.
func (s *lipSession) queryOutput(id int) (float64, error) {
	if err := s.send(fmt.Sprintf("?OUTPUT,%d,1", id)); err != nil {
		return 0, err
	}
	want := fmt.Sprintf("~OUTPUT,%d,1,", id)
	for {
		line, err := s.readLine()
		if err != nil {
			return 0, err
		}
		i := strings.Index(line, want)
		if i < 0 {
			continue
		}
		level, err := strconv.ParseFloat(line[i+len(want):], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad output level in %q: %v", ErrProtocol, line, err)
		}
		return level, nil
	}
}

func (s *lipSession) send(line string) error {
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnreachable, err)
	}
	return nil
}

// expect consumes input until suffix appears. Prompts do not end in a
// newline, so this reads byte-wise.
func (s *lipSession) expect(suffix string) error {
	var buf []byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: awaiting %q: %v", ErrUnreachable, suffix, err)
		}
		buf = append(buf, b)
		if strings.HasSuffix(strings.ToLower(string(buf)), suffix) {
			return nil
		}
	}
}

// awaitPrompt consumes input until either a command prompt ("NET> ") or a
// repeated login prompt appears, and returns what it saw.
func (s *lipSession) awaitPrompt() (string, error) {
	var buf []byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: awaiting prompt: %v", ErrUnreachable, err)
		}
		buf = append(buf, b)
		text := strings.ToLower(string(buf))
		if strings.HasSuffix(text, "net> ") || strings.HasSuffix(text, "login: ") {
			return text, nil
		}
	}
}

// readLine returns the next non-empty CRLF-terminated line.
func (s *lipSession) readLine() (string, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("%w: read: %v", ErrUnreachable, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			return line, nil
		}
	}
}
