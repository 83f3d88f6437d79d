// Package applystate implements the apply state machine (spec §4.7):
// a single in-flight update slot driven by an IPC-facing Apply() call
// that hands the actual deploy work to a background worker goroutine.
// The worker publishes the terminal state itself, under the machine's
// lock; a main loop observes the change by polling State().
package applystate

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/ostree-sysroot/internal/checksum"
	"github.com/coreos/ostree-sysroot/internal/deployapi"
	"github.com/coreos/ostree-sysroot/internal/deployment"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

// State is one of the five apply state machine states (spec §3.7).
type State int

const (
	StateIdle State = iota
	StateUpdateReady
	StateApplyingUpdate
	StateUpdateApplied
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateUpdateReady:
		return "UPDATE_READY"
	case StateApplyingUpdate:
		return "APPLYING_UPDATE"
	case StateUpdateApplied:
		return "UPDATE_APPLIED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Outcome is published by the worker once it finishes: the
// terminal state, the error code/message pair on failure, and
// bootver_changed on success.
type Outcome struct {
	State          State
	Code           int
	Message        string
	BootverChanged bool
}

// Machine owns the single apply-update slot for one osname. All
// exported methods are safe for concurrent use; the worker goroutine's
// result-handling runs with the same lock held as every other
// transition, so no separate publication barrier is needed.
type Machine struct {
	OSName   string
	Sysroot  *sysroot.Sysroot
	Deployer deployapi.Deployer

	mu      sync.Mutex
	state   State
	outcome Outcome
}

// New constructs an idle Machine bound to sr and osname, dispatching
// deploy work through deployer.
func New(sr *sysroot.Sysroot, osname string, deployer deployapi.Deployer) *Machine {
	return &Machine{OSName: osname, Sysroot: sr, Deployer: deployer, state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcome returns the last published outcome (valid once State() is
// UPDATE_APPLIED or ERROR).
func (m *Machine) Outcome() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// MarkReady transitions IDLE → UPDATE_READY, the "fetch complete"
// external signal.
func (m *Machine) MarkReady() error {
	return m.transition(StateIdle, StateUpdateReady)
}

// ResetAfterError transitions ERROR → UPDATE_READY, the "retry
// requested" external signal.
func (m *Machine) ResetAfterError() error {
	return m.transition(StateError, StateUpdateReady)
}

// Consume transitions UPDATE_APPLIED → IDLE, the "consumed" external
// signal an orchestrator sends once it has read the outcome.
func (m *Machine) Consume() error {
	return m.transition(StateUpdateApplied, StateIdle)
}

func (m *Machine) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return ostreeerr.New(ostreeerr.KindWrongState, m.state.String(),
			fmt.Errorf("expected state %s, got %s", from, m.state))
	}
	m.state = to
	journal.Print(journal.PriInfo, "apply state machine: %s -> %s", from, to)
	return nil
}

// Apply is accepted only in UPDATE_READY; any other state yields
// WrongState with no other effect. On acceptance the state advances to
// APPLYING_UPDATE synchronously, before Apply returns, and the deploy
// work is handed to a background goroutine — Apply itself never blocks
// on that work.
//
// revision, when non-empty, must be a valid checksum naming the
// revision to deploy, pinning the worker to that exact commit. When
// empty, the worker redeploys whatever revision is already recorded in
// the merge deployment's origin file. Every call generates a fresh uuid,
// returned as the update_id, purely to tag the worker's log lines for
// correlation (it is never used as a checksum).
func (m *Machine) Apply(ctx context.Context, revision string) (string, error) {
	m.mu.Lock()
	if m.state != StateUpdateReady {
		current := m.state
		m.mu.Unlock()
		return "", ostreeerr.New(ostreeerr.KindWrongState, current.String(),
			fmt.Errorf("Apply requires UPDATE_READY, current state is %s", current))
	}
	m.state = StateApplyingUpdate
	m.mu.Unlock()

	logID := uuid.NewString()
	entry := log.WithField("update_id", logID)
	if revision != "" {
		entry = entry.WithField("revision", revision)
	}
	entry.Info("accepted update, dispatching to worker")
	journal.Print(journal.PriInfo, "apply: accepted update_id=%s revision=%q", logID, revision)

	go m.runWorker(ctx, logID, revision)
	return logID, nil
}

// runWorker performs the blocking deploy work and publishes the
// resulting terminal state. It never runs concurrently with another
// call to runWorker: Apply only dispatches from UPDATE_READY and
// immediately leaves it, so at most one worker is ever in flight.
func (m *Machine) runWorker(ctx context.Context, logID, revision string) {
	entry := log.WithField("update_id", logID)
	outcome, err := m.doApply(ctx, revision)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.outcome = Outcome{State: StateError, Code: 1, Message: err.Error()}
		m.state = StateError
		entry.WithError(err).Error("update apply failed")
		journal.Print(journal.PriErr, "apply: update_id=%s failed: %s", logID, err)
		return
	}

	m.outcome = outcome
	m.state = StateUpdateApplied
	if !outcome.BootverChanged {
		entry.Info("system redeployed same boot version")
	}
	entry.WithField("bootver_changed", outcome.BootverChanged).Info("update applied")
	journal.Print(journal.PriInfo, "apply: update_id=%s applied, bootver_changed=%v", logID, outcome.BootverChanged)
}

// doApply is the worker body: resolve the booted deployment, compute
// the merge deployment, read its origin, and invoke the deploy
// primitive.
func (m *Machine) doApply(ctx context.Context, revisionOverride string) (Outcome, error) {
	sr := m.Sysroot
	deployments := sr.Deployments

	booted, err := resolveBooted(sr, deployments)
	if err != nil {
		return Outcome{}, err
	}

	merge := computeMergeDeployment(deployments, m.OSName, booted)
	origin, err := readOrigin(originAbsPath(sr, merge))
	if err != nil {
		return Outcome{}, err
	}

	revision := checksum.Checksum(revisionOverride)
	if revision == "" {
		revision, err = originRevision(origin)
		if err != nil {
			return Outcome{}, err
		}
	}

	res, err := m.Deployer.Deploy(ctx, sr.Path, sr.BootVersion, deployments, m.OSName,
		revision, origin, false, booted, merge)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		State:          StateUpdateApplied,
		BootverChanged: res.NewBootVersion != sr.BootVersion,
	}, nil
}

// computeMergeDeployment picks the deployment currently booted under
// osname — the engine never chooses which commit to deploy, only which
// existing deployment to carry configuration forward from.
func computeMergeDeployment(deployments []deployment.Deployment, osname string, booted deployment.Deployment) deployment.Deployment {
	if booted.OSName == osname {
		return booted
	}
	for _, d := range deployments {
		if d.OSName == osname {
			return d
		}
	}
	return deployment.Deployment{}
}
