package app

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// dsnSummary is the password-free description of a database DSN.
type dsnSummary struct {
	Type        string
	Host        string
	Port        int
	User        string
	Name        string
	SSLMode     string
	Path        string
	PasswordSet bool
}

// String renders the summary for log lines.
func (s dsnSummary) String() string {
	switch s.Type {
	case "sqlite":
		return "sqlite " + s.Path
	case "postgres":
		return fmt.Sprintf("postgres %s@%s/%s (sslmode=%s)", s.User, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), s.Name, s.SSLMode)
	default:
		return "unknown"
	}
}

func describeDSN(dsn string) (dsnSummary, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dsnSummary{}, fmt.Errorf("empty dsn")
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil || u.Scheme == "" || strings.EqualFold(u.Scheme, "file") {
		pathPart := trimmed
		for _, prefix := range []string{"file:", "sqlite3://", "sqlite://"} {
			if strings.HasPrefix(strings.ToLower(pathPart), prefix) {
				pathPart = pathPart[len(prefix):]
			}
		}
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return dsnSummary{Type: "sqlite", Path: strings.TrimSpace(pathPart)}, nil
	}

	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "sqlite", "sqlite3":
		pathPart := u.Host + u.Path
		return dsnSummary{Type: "sqlite", Path: pathPart}, nil
	case "postgres", "postgresql":
		port := 5432
		if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
			parsedPort, errPort := strconv.Atoi(rawPort)
			if errPort != nil {
				return dsnSummary{}, fmt.Errorf("parse port: %w", errPort)
			}
			port = parsedPort
		}

		username := ""
		passwordSet := false
		if u.User != nil {
			username = strings.TrimSpace(u.User.Username())
			_, passwordSet = u.User.Password()
		}

		sslMode := strings.TrimSpace(u.Query().Get("sslmode"))
		if sslMode == "" {
			sslMode = "disable"
		}

		return dsnSummary{
			Type:        "postgres",
			Host:        strings.TrimSpace(u.Hostname()),
			Port:        port,
			User:        username,
			Name:        strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
			SSLMode:     sslMode,
			PasswordSet: passwordSet,
		}, nil
	default:
		return dsnSummary{}, fmt.Errorf("unsupported dsn scheme")
	}
}
