/*
Package config is responsible for parsing the node configuration from flags, falling back to SYNOD_* environment variables
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"synod/cluster"
	"synod/paxos"
)

const (
	IDKey              = "id"
	RoleKey            = "role"
	GRPCAddressKey     = "grpc-address"
	HTTPAddressKey     = "http-address"
	MemberKey          = "member"
	EtcdEndpointsKey   = "etcd-endpoints"
	EtcdLeaseTTLKey    = "etcd-lease-ttl"
	ExpectedMembersKey = "expected-members"
	RoundTimeoutKey    = "round-timeout"
	RetryJitterKey     = "retry-jitter"
	SendTimeoutKey     = "send-timeout"
	FanOutKey          = "fan-out"
	VerboseKey         = "verbose"

	envPrefix = "SYNOD_"
)

var (
	ErrMissingID         = errors.New("a positive --id is required")
	ErrNoMembership      = errors.New("either --member or --etcd-endpoints is required")
	ErrBothMemberships   = errors.New("--member and --etcd-endpoints are exclusive")
	ErrNotListed         = errors.New("node is not in the member list")
	ErrExpectedMembers   = errors.New("--expected-members must be positive with etcd")
	ErrNegativeDuration  = errors.New("durations must not be negative")
	ErrNegativeFanOut    = errors.New("--fan-out must not be negative")
	ErrInvalidLeaseTTL   = errors.New("--etcd-lease-ttl must be positive")
	ErrMissingAddress    = errors.New("--grpc-address is required")
	ErrUnexpectedArgs    = errors.New("unexpected arguments")
	errInvalidEnvDefault = errors.New("invalid environment value")
)

func AddFlags(flags *pflag.FlagSet) {
	flags.Uint64(IDKey, 0, "node ID, must be unique across the cluster")
	flags.String(RoleKey, paxos.AcceptorRole.String(), "role of this node: proposer or acceptor")
	flags.String(GRPCAddressKey, "127.0.0.1:7000", "address the Paxos transport listens on and peers dial")
	flags.String(HTTPAddressKey, "", "address of the operator HTTP API, empty disables it")
	flags.StringArray(MemberKey, nil, "static cluster member as id=role@host:port, repeatable")
	flags.StringSlice(EtcdEndpointsKey, nil, "etcd endpoints used to discover members instead of a static list")
	flags.Int64(EtcdLeaseTTLKey, 5, "TTL in seconds of the etcd registration lease")
	flags.Int(ExpectedMembersKey, 0, "exact number of members to wait for in etcd before starting")
	flags.Duration(RoundTimeoutKey, 2*time.Second, "time a proposer waits for a round before restarting it, 0 disables")
	flags.Duration(RetryJitterKey, 50*time.Millisecond, "upper bound of the random delay before a proposer retries")
	flags.Duration(SendTimeoutKey, time.Second, "timeout of a single message send")
	flags.Int(FanOutKey, 0, "maximum concurrent sends of a broadcast, 0 is unbounded")
	flags.BoolP(VerboseKey, "v", false, "verbose output, activates debug level logging")
}

type Config struct {
	ID              paxos.NodeID
	Role            paxos.RoleKind
	GRPCAddress     string
	HTTPAddress     string
	Members         []cluster.Member
	EtcdEndpoints   []string
	EtcdLeaseTTL    int64
	ExpectedMembers int
	RoundTimeout    time.Duration
	RetryJitter     time.Duration
	SendTimeout     time.Duration
	FanOut          int
	Verbose         bool
}

// Self is the member this node registers as
func (c *Config) Self() cluster.Member {
	return cluster.Member{ID: c.ID, Addr: c.GRPCAddress, Kind: c.Role}
}

func (c *Config) Proposer() paxos.ProposerConfig {
	return paxos.ProposerConfig{RoundTimeout: c.RoundTimeout, RetryJitter: c.RetryJitter}
}

func (c *Config) Node() cluster.Config {
	return cluster.Config{SendTimeout: c.SendTimeout, FanOut: c.FanOut}
}

// EnvName is the environment variable a flag falls back to, e.g. SYNOD_GRPC_ADDRESS
func EnvName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ParseFlags parses args, fills every flag not given on the command line from the environment and validates the result
func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedArgs, flags.Args())
	}
	if err := applyEnv(flags, os.LookupEnv); err != nil {
		return nil, err
	}

	id, err := flags.GetUint64(IDKey)
	if err != nil {
		return nil, err
	}
	roleStr, err := flags.GetString(RoleKey)
	if err != nil {
		return nil, err
	}
	role, err := paxos.ParseRoleKind(roleStr)
	if err != nil {
		return nil, err
	}
	grpcAddress, err := flags.GetString(GRPCAddressKey)
	if err != nil {
		return nil, err
	}
	httpAddress, err := flags.GetString(HTTPAddressKey)
	if err != nil {
		return nil, err
	}
	memberStrs, err := flags.GetStringArray(MemberKey)
	if err != nil {
		return nil, err
	}
	members := make([]cluster.Member, 0, len(memberStrs))
	for _, s := range memberStrs {
		member, err := cluster.ParseMember(s)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	endpoints, err := flags.GetStringSlice(EtcdEndpointsKey)
	if err != nil {
		return nil, err
	}
	leaseTTL, err := flags.GetInt64(EtcdLeaseTTLKey)
	if err != nil {
		return nil, err
	}
	expected, err := flags.GetInt(ExpectedMembersKey)
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
	fanOut, err := flags.GetInt(FanOutKey)
	if err != nil {
		return nil, err
	}
	verbose, err := flags.GetBool(VerboseKey)
	if err != nil {
		return nil, err
	}

	config := &Config{
		ID:              paxos.NodeID(id),
		Role:            role,
		GRPCAddress:     grpcAddress,
		HTTPAddress:     httpAddress,
		Members:         members,
		EtcdEndpoints:   endpoints,
		EtcdLeaseTTL:    leaseTTL,
		ExpectedMembers: expected,
		RoundTimeout:    roundTimeout,
		RetryJitter:     retryJitter,
		SendTimeout:     sendTimeout,
		FanOut:          fanOut,
		Verbose:         verbose,
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv sets the flags left at their default from the matching environment variables
func applyEnv(flags *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var errs []error
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			return
		}
		value, ok := lookup(EnvName(flag.Name))
		if !ok {
			return
		}
		var err error
		if slice, ok := flag.Value.(pflag.SliceValue); ok {
			// lists are comma separated, repeating a variable is not possible
			err = slice.Replace(strings.Split(value, ","))
		} else {
			err = flags.Set(flag.Name, value)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %s=%q: %w", errInvalidEnvDefault, EnvName(flag.Name), value, err))
		}
	})
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.ID == 0 {
		errs = append(errs, ErrMissingID)
	}
	if c.GRPCAddress == "" {
		errs = append(errs, ErrMissingAddress)
	}
	switch {
	case len(c.Members) == 0 && len(c.EtcdEndpoints) == 0:
		errs = append(errs, ErrNoMembership)
	case len(c.Members) > 0 && len(c.EtcdEndpoints) > 0:
		errs = append(errs, ErrBothMemberships)
	case len(c.Members) > 0:
		listed := false
		for _, member := range c.Members {
			if member.ID == c.ID {
				listed = true
			}
		}
		if !listed {
			errs = append(errs, fmt.Errorf("%w: %d", ErrNotListed, c.ID))
		}
	default:
		if c.ExpectedMembers <= 0 {
			errs = append(errs, ErrExpectedMembers)
		}
		if c.EtcdLeaseTTL <= 0 {
			errs = append(errs, ErrInvalidLeaseTTL)
		}
	}
	if c.RoundTimeout < 0 || c.RetryJitter < 0 || c.SendTimeout < 0 {
		errs = append(errs, ErrNegativeDuration)
	}
	if c.FanOut < 0 {
		errs = append(errs, ErrNegativeFanOut)
	}
	return errors.Join(errs...)
}

// SetupLogging sets the default slog level, debug when verbose
func SetupLogging(verbose bool) {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
}
