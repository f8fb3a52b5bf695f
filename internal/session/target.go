// target.go - Parsing of ad-hoc connection targets
package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"tabterm/internal/profile"
)

// ParseTarget reads "[user@]host[:port]" into a transient host of protocol p.
// A missing port resolves to the protocol default.
func ParseTarget(p profile.Protocol, s string) (*profile.Host, error) {
	h := profile.NewHost()
	h.Protocol = p

	if i := strings.LastIndex(s, "@"); i >= 0 {
		h.Username = s[:i]
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("missing host")
	}

	port := 0
	if host, ps, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("bad port %q", ps)
		}
		h.Hostname, port = host, n
	} else {
		h.Hostname = strings.Trim(s, "[]")
	}
	h.SetPort(port)
	return h, nil
}

// parseSSHArgs reads "[-l login] [-p port] [user@]host[:port]"
func parseSSHArgs(args []string) (*profile.Host, error) {
	var login, target string
	port := 0
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "-l", "-p":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("option %s needs a value", a)
			}
			i++
			if a == "-l" {
				login = args[i]
				continue
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 || n > 65535 {
				return nil, fmt.Errorf("bad port %q", args[i])
			}
			port = n
		default:
			if target != "" {
				return nil, fmt.Errorf("unexpected argument %q", a)
			}
			target = a
		}
	}
	if target == "" {
		return nil, fmt.Errorf("usage: ssh [-l login] [-p port] [user@]host[:port]")
	}

	h, err := ParseTarget(profile.SSH, target)
	if err != nil {
		return nil, err
	}
	if login != "" {
		h.Username = login
	}
	if port != 0 {
		h.SetPort(port)
	}
	return h, nil
}

// parseTelnetArgs reads "host [port]"
func parseTelnetArgs(args []string) (*profile.Host, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("usage: telnet host [port]")
	}
	h := profile.NewHost()
	h.Protocol = profile.Telnet
	h.Hostname = args[0]
	port := 0
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("bad port %q", args[1])
		}
		port = n
	}
	h.SetPort(port)
	return h, nil
}
