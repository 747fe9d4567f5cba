package demo

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

const (
	ProposersKey    = "proposers"
	AcceptorsKey    = "acceptors"
	TimeoutKey      = "timeout"
	RoundTimeoutKey = "round-timeout"
	RetryJitterKey  = "retry-jitter"
	SendTimeoutKey  = "send-timeout"
	VerboseKey      = "verbose"
)

var errClusterSize = errors.New("a demo needs at least one proposer and one acceptor")

func AddFlags(flags *pflag.FlagSet) {
	flags.Int(ProposersKey, 3, "number of proposers")
	flags.Int(AcceptorsKey, 5, "number of acceptors")
	flags.Duration(TimeoutKey, 30*time.Second, "time allowed for every proposer to learn the decision")
	flags.Duration(RoundTimeoutKey, time.Second, "proposer round timeout")
	flags.Duration(RetryJitterKey, 50*time.Millisecond, "upper bound of the proposer retry delay")
	flags.Duration(SendTimeoutKey, time.Second, "timeout of a single message send")
	flags.BoolP(VerboseKey, "v", false, "verbose output, activates debug level logging")
}

type Config struct {
	Proposers    int
	Acceptors    int
	Timeout      time.Duration
	RoundTimeout time.Duration
	RetryJitter  time.Duration
	SendTimeout  time.Duration
	Verbose      bool
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	proposers, err := flags.GetInt(ProposersKey)
	if err != nil {
		return nil, err
	}
	acceptors, err := flags.GetInt(AcceptorsKey)
	if err != nil {
		return nil, err
	}
	if proposers < 1 || acceptors < 1 {
		return nil, errClusterSize
	}
	timeout, err := flags.GetDuration(TimeoutKey)
	if err != nil {
		return nil, err
	}
	roundTimeout, err := flags.GetDuration(RoundTimeoutKey)
	if err != nil {
		return nil, err
	}
	retryJitter, err := flags.GetDuration(RetryJitterKey)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := flags.GetDuration(SendTimeoutKey)
	if err != nil {
		return nil, err
	}
	verbose, err := flags.GetBool(VerboseKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		Proposers:    proposers,
		Acceptors:    acceptors,
		Timeout:      timeout,
		RoundTimeout: roundTimeout,
		RetryJitter:  retryJitter,
		SendTimeout:  sendTimeout,
		Verbose:      verbose,
	}, nil
}
