package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// runSetup asks for the main settings, showing the current values, and
// writes them to the config file. An empty answer keeps the current value.
func runSetup(_ context.Context, env *Env, _ []string) error {
	if env.Config == nil {
		return errors.New("no configuration loaded")
	}
	cfg := *env.Config
	reader := bufio.NewReader(env.In)

	fmt.Fprintln(env.Out, "cellarsync configuration")
	fmt.Fprintln(env.Out, "Press enter to keep the value in brackets.")
	fmt.Fprintln(env.Out)

	var err error
	if cfg.API.URL, err = ask(reader, env.Out, "API URL", cfg.API.URL); err != nil {
		return err
	}
	durations := []struct {
		label string
		dst   *time.Duration
	}{
		{"Request timeout", &cfg.API.Timeout},
		{"Treat cached data as stale after", &cfg.Cache.StaleAfter},
		{"Search delay", &cfg.Search.Delay},
	}
	for _, d := range durations {
		answer, err := ask(reader, env.Out, d.label, d.dst.String())
		if err != nil {
			return err
		}
		v, err := time.ParseDuration(answer)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(d.label), err)
		}
		*d.dst = v
	}
	answer, err := ask(reader, env.Out, "Minimum search length", strconv.Itoa(cfg.Search.MinLength))
	if err != nil {
		return err
	}
	if cfg.Search.MinLength, err = strconv.Atoi(answer); err != nil {
		return fmt.Errorf("minimum search length: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	path, err := cfg.Save(env.ConfigPath)
	if err != nil {
		return err
	}
	*env.Config = cfg
	fmt.Fprintln(env.Out)
	fmt.Fprintf(env.Out, "Configuration saved to %s\n", path)
	fmt.Fprintln(env.Out, "Run 'cellarsync login <name>' if the API needs a token.")
	return nil
}

func ask(reader *bufio.Reader, out io.Writer, label, current string) (string, error) {
	fmt.Fprintf(out, "%s [%s]: ", label, current)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if line = strings.TrimSpace(line); line == "" {
		return current, nil
	}
	return line, nil
}
