// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// IceConfig holds the timing knobs of a channel. Nil fields use the
// documented defaults.
type IceConfig struct {
	// ReceivingTimeout is how long a connection stays receiving without
	// traffic.
	ReceivingTimeout *time.Duration

	// BackupConnectionPingInterval paces pings on writable connections
	// that are not selected.
	BackupConnectionPingInterval *time.Duration

	ContinualGatheringPolicy GatheringPolicy

	// PrioritizeMostLikelyCandidatePairs pings relay pairs first when
	// nothing is writable yet.
	PrioritizeMostLikelyCandidatePairs bool

	StableWritableConnectionPingInterval *time.Duration

	// PresumeWritableWhenFullyRelayed treats relay to relay pairs as
	// writable before any response.
	PresumeWritableWhenFullyRelayed bool

	IceCheckIntervalStrongConnectivity *time.Duration
	IceCheckIntervalWeakConnectivity   *time.Duration
	IceCheckMinInterval                *time.Duration

	IceUnwritableTimeout   *time.Duration
	IceUnwritableMinChecks *int
	IceInactiveTimeout     *time.Duration

	ReceivingSwitchingDelay *time.Duration

	DefaultNominationMode NominationMode

	// NetworkPreference is preferred by the controller when comparing
	// pairs of otherwise equal state.
	NetworkPreference AdapterType
}

// Duration returns a pointer to d for IceConfig literals.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Int returns a pointer to v for IceConfig literals.
func Int(v int) *int {
	return &v
}

func durationOr(d *time.Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}

	return *d
}

func (c *IceConfig) receivingTimeoutOrDefault() time.Duration {
	return durationOr(c.ReceivingTimeout, defaultReceivingTimeout)
}

func (c *IceConfig) backupConnectionPingIntervalOrDefault() time.Duration {
	return durationOr(c.BackupConnectionPingInterval, backupConnectionPingInterval)
}

func (c *IceConfig) stableWritableConnectionPingIntervalOrDefault() time.Duration {
	return durationOr(c.StableWritableConnectionPingInterval, stableWritableConnectionPingInterval)
}

func (c *IceConfig) iceCheckIntervalStrongConnectivityOrDefault() time.Duration {
	return durationOr(c.IceCheckIntervalStrongConnectivity, strongPingInterval)
}

func (c *IceConfig) iceCheckIntervalWeakConnectivityOrDefault() time.Duration {
	return durationOr(c.IceCheckIntervalWeakConnectivity, weakPingInterval)
}

func (c *IceConfig) iceCheckMinIntervalOrDefault() time.Duration {
	return durationOr(c.IceCheckMinInterval, 0)
}

func (c *IceConfig) iceUnwritableTimeoutOrDefault() time.Duration {
	return durationOr(c.IceUnwritableTimeout, defaultUnwritableTimeout)
}

func (c *IceConfig) iceUnwritableMinChecksOrDefault() int {
	if c.IceUnwritableMinChecks == nil {
		return defaultUnwritableMinChecks
	}

	return *c.IceUnwritableMinChecks
}

func (c *IceConfig) iceInactiveTimeoutOrDefault() time.Duration {
	return durationOr(c.IceInactiveTimeout, defaultInactiveTimeout)
}

func (c *IceConfig) receivingSwitchingDelayOrDefault() time.Duration {
	return durationOr(c.ReceivingSwitchingDelay, defaultReceivingSwitchingDelay)
}

func (c *IceConfig) continualGathering() bool {
	return c.ContinualGatheringPolicy == GatherContinually
}

func (c *IceConfig) nominationMode() NominationMode {
	if c.DefaultNominationMode == NominationModeUnknown {
		return NominationModeSemiAggressive
	}

	return c.DefaultNominationMode
}

// Validate checks the relations between the intervals.
func (c *IceConfig) Validate() error {
	strong := c.iceCheckIntervalStrongConnectivityOrDefault()
	weak := c.iceCheckIntervalWeakConnectivityOrDefault()

	if strong < weak {
		return fmt.Errorf("%w: ping interval %v for strong connectivity is shorter than %v for weak connectivity",
			ErrInvalidIceConfig, strong, weak)
	}

	if receiving := c.receivingTimeoutOrDefault(); receiving < max(strong, c.iceCheckMinIntervalOrDefault()) {
		return fmt.Errorf("%w: receiving timeout %v is shorter than the ping intervals",
			ErrInvalidIceConfig, receiving)
	}

	if backup := c.backupConnectionPingIntervalOrDefault(); backup < strong {
		return fmt.Errorf("%w: backup connection ping interval %v is shorter than the strong ping interval %v",
			ErrInvalidIceConfig, backup, strong)
	}

	if stable := c.stableWritableConnectionPingIntervalOrDefault(); stable < strong {
		return fmt.Errorf("%w: stable writable connection ping interval %v is shorter than the strong ping interval %v",
			ErrInvalidIceConfig, stable, strong)
	}

	if unwritable, inactive := c.iceUnwritableTimeoutOrDefault(), c.iceInactiveTimeoutOrDefault(); unwritable > inactive {
		return fmt.Errorf("%w: unwritable timeout %v is longer than the inactive timeout %v",
			ErrInvalidIceConfig, unwritable, inactive)
	}

	return nil
}

// FieldTrials are experiment switches, parsed once when a channel is
// created.
type FieldTrials struct {
	SkipRelayToNonRelayConnections bool
	MaxOutstandingPings            int

	// InitialSelectDampening delays the first selection so a better
	// pair can show up.
	InitialSelectDampening             *time.Duration
	InitialSelectDampeningPingReceived *time.Duration

	AnnounceGoogPing bool
	EnableGoogPing   bool

	RTTEstimateHalfTime time.Duration

	SendPingOnSwitchIceControlling    bool
	SendPingOnSelectedIceControlling  bool
	SendPingOnNominationIceControlled bool

	DeadConnectionTimeout time.Duration

	StopGatherOnStronglyConnected bool

	PiggybackIceCheckAcknowledgement bool
	ExtraIcePing                     bool

	unknown []string
}

// DefaultFieldTrials returns the knobs with every experiment at its
// default.
func DefaultFieldTrials() FieldTrials {
	return FieldTrials{
		AnnounceGoogPing:              true,
		RTTEstimateHalfTime:           defaultRTTEstimateHalfTime,
		DeadConnectionTimeout:         defaultDeadConnectionTimeout,
		StopGatherOnStronglyConnected: true,
	}
}

// ParseFieldTrials reads "key:value,key2:value2". A key without a value
// switches a boolean knob on. Keys ending in _ms are milliseconds.
func ParseFieldTrials(raw string) (FieldTrials, error) {
	trials := DefaultFieldTrials()

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		key, value, hasValue := strings.Cut(entry, ":")
		if !hasValue {
			value = "true"
		}

		if err := trials.set(key, value); err != nil {
			return FieldTrials{}, err
		}
	}

	trials.DeadConnectionTimeout = max(trials.DeadConnectionTimeout, defaultDeadConnectionTimeout)

	return trials, nil
}

// UnknownKeys returns the keys ParseFieldTrials did not recognize.
func (f *FieldTrials) UnknownKeys() []string {
	return f.unknown
}

func (f *FieldTrials) set(key, value string) error { //nolint:cyclop
	var err error
	switch key {
	case "skip_relay_to_non_relay_connections":
		f.SkipRelayToNonRelayConnections, err = cast.ToBoolE(value)
	case "max_outstanding_pings":
		f.MaxOutstandingPings, err = parseCount(value)
	case "initial_select_dampening", "initial_select_dampening_ms":
		f.InitialSelectDampening, err = parseOptionalMillis(value)
	case "initial_select_dampening_ping_received", "initial_select_dampening_ping_received_ms":
		f.InitialSelectDampeningPingReceived, err = parseOptionalMillis(value)
	case "announce_goog_ping":
		f.AnnounceGoogPing, err = cast.ToBoolE(value)
	case "enable_goog_ping":
		f.EnableGoogPing, err = cast.ToBoolE(value)
	case "rtt_estimate_halftime_ms":
		f.RTTEstimateHalfTime, err = parseMillis(value)
	case "send_ping_on_switch_ice_controlling":
		f.SendPingOnSwitchIceControlling, err = cast.ToBoolE(value)
	case "send_ping_on_selected_ice_controlling":
		f.SendPingOnSelectedIceControlling, err = cast.ToBoolE(value)
	case "send_ping_on_nomination_ice_controlled":
		f.SendPingOnNominationIceControlled, err = cast.ToBoolE(value)
	case "dead_connection_timeout_ms":
		f.DeadConnectionTimeout, err = parseMillis(value)
	case "stop_gather_on_strongly_connected":
		f.StopGatherOnStronglyConnected, err = cast.ToBoolE(value)
	case "piggyback_ice_check_acknowledgement":
		f.PiggybackIceCheckAcknowledgement, err = cast.ToBoolE(value)
	case "extra_ice_ping":
		f.ExtraIcePing, err = cast.ToBoolE(value)
	default:
		f.unknown = append(f.unknown, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidFieldTrial, key, value, err) //nolint:errorlint
	}

	return nil
}

var errNegativeCount = errors.New("count must not be negative")

func parseCount(value string) (int, error) {
	n, err := cast.ToIntE(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errNegativeCount
	}

	return n, nil
}

func parseMillis(value string) (time.Duration, error) {
	ms, err := cast.ToInt64E(value)
	if err != nil {
		return 0, err
	}

	return time.Duration(ms) * time.Millisecond, nil
}

func parseOptionalMillis(value string) (*time.Duration, error) {
	d, err := parseMillis(value)
	if err != nil {
		return nil, err
	}

	return &d, nil
}
