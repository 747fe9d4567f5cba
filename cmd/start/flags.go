package start

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

const (
	ToKey      = "to"
	ValueKey   = "value"
	TimeoutKey = "timeout"
)

var (
	errNoTarget = errors.New("at least one --to address is required")
	errNoValue  = errors.New("--value is required")
)

func AddFlags(flags *pflag.FlagSet) {
	flags.StringSlice(ToKey, nil, "transport address of a proposer, repeatable (required)")
	flags.String(ValueKey, "", "value to propose (required)")
	flags.Duration(TimeoutKey, 5*time.Second, "time allowed for delivering START to every proposer")
}

type Config struct {
	To      []string
	Value   []byte
	Timeout time.Duration
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	to, err := flags.GetStringSlice(ToKey)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, errNoTarget
	}

	value, err := flags.GetString(ValueKey)
	if err != nil {
		return nil, err
	}
	if !flags.Changed(ValueKey) {
		return nil, errNoValue
	}

	timeout, err := flags.GetDuration(TimeoutKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		To:      to,
		Value:   []byte(value),
		Timeout: timeout,
	}, nil
}
