package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mvarga/vbreplicator/membership"
)

// Environment variable names read directly via os.Getenv, matching the
// operational contract operators script around rather than config-file
// fields: these describe the Kubernetes deployment shape the process was
// launched into, not a document an operator hand-edits.
const (
	EnvK8sStatefulSet   = "CBES_K8S_STATEFUL_SET"
	EnvK8sWatchReplicas = "CBES_K8S_WATCH_REPLICAS"
	EnvTotalMembers     = "CBES_TOTAL_MEMBERS"
)

// ErrWatchReplicasUnsupported is returned by CheckWatchReplicas when
// CBES_K8S_WATCH_REPLICAS is set: this repo ships no replica watcher, so the
// process refuses to start in that mode rather than run without one.
var ErrWatchReplicasUnsupported = fmt.Errorf("config: CBES_K8S_WATCH_REPLICAS requires an external replica watcher, none configured")

// ResolveMembership turns a GroupConfig plus environment into a
// membership.Group. Precedence:
//  1. CBES_K8S_STATEFUL_SET=true derives MemberNumber from the pod
//     hostname's StatefulSet ordinal suffix ("myapp-3" -> member 4).
//  2. Otherwise cfg.StaticMembership.MemberNumber is used directly.
//
// ClusterSize comes from CBES_TOTAL_MEMBERS when set, else
// cfg.StaticMembership.ClusterSize.
func ResolveMembership(cfg GroupConfig, hostname string) (membership.Group, error) {
	var g membership.Group
	if cfg.StaticMembership != nil {
		g.MemberNumber = cfg.StaticMembership.MemberNumber
		g.ClusterSize = cfg.StaticMembership.ClusterSize
	}

	if os.Getenv(EnvK8sStatefulSet) == "true" {
		ordinal, err := statefulSetOrdinal(hostname)
		if err != nil {
			return membership.Group{}, fmt.Errorf("config: %s set but %w", EnvK8sStatefulSet, err)
		}
		g.MemberNumber = ordinal + 1
	}

	if raw := os.Getenv(EnvTotalMembers); raw != "" {
		total, err := strconv.Atoi(raw)
		if err != nil {
			return membership.Group{}, fmt.Errorf("config: %s=%q is not an integer", EnvTotalMembers, raw)
		}
		g.ClusterSize = total
	}

	if err := g.Validate(); err != nil {
		return membership.Group{}, err
	}
	return g, nil
}

// statefulSetOrdinal extracts the trailing ordinal from a Kubernetes
// StatefulSet pod hostname, e.g. "vbreplicator-2" -> 2.
func statefulSetOrdinal(hostname string) (int, error) {
	idx := strings.LastIndex(hostname, "-")
	if idx < 0 || idx == len(hostname)-1 {
		return 0, fmt.Errorf("hostname %q has no StatefulSet ordinal suffix", hostname)
	}
	ordinal, err := strconv.Atoi(hostname[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("hostname %q has a non-numeric ordinal suffix: %w", hostname, err)
	}
	return ordinal, nil
}

// CheckWatchReplicas returns ErrWatchReplicasUnsupported when
// CBES_K8S_WATCH_REPLICAS is set, since this repo ships no replica watcher;
// cmd/vbreplicator calls this once at startup and exits non-zero if it
// errors.
func CheckWatchReplicas() error {
	if os.Getenv(EnvK8sWatchReplicas) == "true" {
		return ErrWatchReplicasUnsupported
	}
	return nil
}
