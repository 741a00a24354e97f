// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/friendrelay/internal/config"
)

// PromptInteractive walks through the settings most installs change. Empty
// answers keep the current value. An invalid result falls back to defaults.
func PromptInteractive(in io.Reader, out io.Writer, dataDir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "friendrelay interactive setup")
	fmt.Fprintf(out, " Data folder : %s\n", dataDir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Server.HTTPAddr = askString(r, out, "HTTP listen addr", cfg.Server.HTTPAddr)
	cfg.Server.AdminPassword = askString(r, out, "Admin password (empty=admin off)", cfg.Server.AdminPassword)
	cfg.Auth.TokenSecret = askString(r, out, "Token secret (empty=random per start)", cfg.Auth.TokenSecret)
	cfg.Auth.TokenTTLMinutes = askInt(r, out, "Token TTL minutes", cfg.Auth.TokenTTLMinutes)
	cfg.Events.NATSURL = askString(r, out, "NATS URL (empty=off)", cfg.Events.NATSURL)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		n, convErr := strconv.Atoi(s)
		if convErr == nil {
			return n
		}
		if err != nil {
			// input ended
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}
