package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
	"github.com/JiscSD/rdss-dataverse-ingest/mapping"
)

// Outbox directories, one per terminal state.
const (
	OutboxProcessed = "processed"
	OutboxRejected  = "rejected"
	OutboxFailed    = "failed"
)

// Phase is the last step a task completed.
type Phase string

const (
	PhaseNone          Phase = ""
	PhaseLoaded        Phase = "LOADED"
	PhaseValidated     Phase = "VALIDATED"
	PhaseMapped        Phase = "MAPPED"
	PhaseSynced        Phase = "SYNCED"
	PhasePublished     Phase = "PUBLISHED"
	PhasePostPublished Phase = "POST_PUBLISHED"
)

// draftCleanupTimeout bounds the removal of an abandoned draft, which runs
// after the task context may have been cancelled.
const draftCleanupTimeout = time.Minute

// Config holds the settings of an Ingester.
type Config struct {
	// Outbox receives the processed, rejected and failed deposits.
	Outbox string

	// HousekeepingFile is never embargoed.
	HousekeepingFile string

	// Retry bounds the unlock polling between file operations.
	Retry RetryPolicy
}

// Ingester builds and runs the tasks that take deposits to the dataset
// repository.
type Ingester struct {
	logger    logrus.FieldLogger
	store     DepositStore
	validator BagValidator
	mapper    MetadataMapper
	gateway   DatasetGateway
	sink      EventSink
	policy    DepositFlowPolicy
	metrics   *Metrics
	config    Config
	now       func() time.Time
}

func NewIngester(
	logger logrus.FieldLogger,
	store DepositStore,
	validator BagValidator,
	mapper MetadataMapper,
	gateway DatasetGateway,
	sink EventSink,
	policy DepositFlowPolicy,
	metrics *Metrics,
	config Config) *Ingester {

	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if config.HousekeepingFile == "" {
		config.HousekeepingFile = DefaultHousekeepingFile
	}
	return &Ingester{
		logger:    logger,
		store:     store,
		validator: validator,
		mapper:    mapper,
		gateway:   gateway,
		sink:      sink,
		policy:    policy,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// Policy returns the flow policy of the ingester.
func (i *Ingester) Policy() DepositFlowPolicy {
	return i.policy
}

// Outcome is the result of a task.
type Outcome struct {
	Target   string
	Result   events.Result
	Message  string
	Phase    Phase
	Location string
}

// Task processes a single deposit directory.
type Task struct {
	Dir     string
	Target  string
	Created time.Time

	ing    *Ingester
	logger logrus.FieldLogger

	// rechecks counts the failed attempts to read the blocked state of
	// the target.
	rechecks int
}

// NewTask prepares the processing of the deposit found at dir. Deposits
// that cannot be read get their directory name as target so that they
// still go through the pipeline and end up failed.
func (i *Ingester) NewTask(dir string) *Task {
	t := &Task{Dir: dir, ing: i}
	if d, err := i.store.ReadDeposit(dir); err == nil {
		t.Target = i.policy.Target(d)
		t.Created = d.Created
	}
	if t.Target == "" {
		t.Target = filepath.Base(dir)
	}
	if t.Created.IsZero() {
		t.Created, _ = i.store.Created(dir)
	}
	t.logger = i.logger.WithFields(logrus.Fields{
		"deposit": filepath.Base(dir),
		"target":  t.Target,
	})
	return t
}

func (t *Task) String() string {
	return fmt.Sprintf("task for %s (target %s)", filepath.Base(t.Dir), t.Target)
}

// Run takes the deposit to a terminal state. The outcome is recorded in
// the deposit manifest and the event sink.
func (t *Task) Run(ctx context.Context) {
	t.process(ctx)
}

// progress is what a task knows about the remote side while it runs.
type progress struct {
	phase Phase

	// draft is the dataset holding unpublished changes made by the task.
	draft string
	pid   string
}

func (t *Task) process(ctx context.Context) Outcome {
	t.emit(events.StartProcessing, "", "")

	d, err := t.ing.store.ReadDeposit(t.Dir)
	if err != nil {
		return t.abandon(err)
	}
	st := &progress{phase: PhaseLoaded}
	err = t.steps(ctx, d, st)
	return t.terminalize(d, st, err)
}

func (t *Task) steps(ctx context.Context, d *deposit.Deposit, st *progress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).Error("Task panicked.")
			err = deposit.Failed("unexpected error: %v", r)
		}
	}()

	if err := t.validate(ctx, d); err != nil {
		return err
	}
	st.phase = PhaseValidated

	desc, err := t.mapMetadata(ctx, d)
	if err != nil {
		return err
	}
	st.phase = PhaseMapped

	if d.Update {
		err = t.syncUpdate(ctx, d, desc, st)
	} else {
		err = t.syncNew(ctx, d, desc, st)
	}
	if err != nil {
		return err
	}
	st.phase = PhaseSynced

	policy, gw := t.ing.policy, t.ing.gateway
	if err := policy.Release(ctx, gw, st.pid, policy.ReleaseDate(d, t.ing.now())); err != nil {
		return deposit.FailedWithError(err, "cannot publish %s", st.pid)
	}
	st.draft = ""
	st.phase = PhasePublished

	if err := policy.PostPublish(ctx, gw, d, st.pid); err != nil {
		return deposit.FailedWithError(err, "dataset %s was published but its identifiers could not be recorded", st.pid)
	}
	st.phase = PhasePostPublished
	return nil
}

func (t *Task) validate(ctx context.Context, d *deposit.Deposit) error {
	if err := t.ing.policy.CheckType(d); err != nil {
		return err
	}
	res, err := t.ing.validator.Validate(ctx, d.BagDir, t.ing.policy.Profile())
	if err != nil {
		return deposit.FailedWithError(err, "bag validation could not be performed")
	}
	if !res.Compliant {
		return deposit.Rejected("bag is not compliant with profile %s: %s", t.ing.policy.Profile(), res.Summary())
	}
	return nil
}

func (t *Task) mapMetadata(ctx context.Context, d *deposit.Deposit) (*mapping.Description, error) {
	desc, err := t.ing.mapper.Map(ctx, d)
	if err != nil {
		var rejected *deposit.RejectedDepositError
		if errors.As(err, &rejected) {
			return nil, err
		}
		return nil, deposit.FailedWithError(err, "cannot map dataset metadata")
	}
	return desc, nil
}

// syncNew creates the dataset and uploads every payload file.
func (t *Task) syncNew(ctx context.Context, d *deposit.Deposit, desc *mapping.Description, st *progress) error {
	gw := t.ing.gateway
	pid, err := t.ing.policy.CreateDataset(ctx, gw, d, desc)
	if err != nil {
		return deposit.FailedWithError(err, "cannot create dataset")
	}
	st.pid, st.draft = pid, pid
	t.logger.WithField("pid", pid).Info("Dataset created.")

	added := map[int64]string{}
	for _, f := range d.SortedFiles() {
		id, err := gw.AddFile(ctx, pid, f)
		if err != nil {
			return deposit.FailedWithError(err, "cannot add %s", f.Path)
		}
		added[id] = f.Path
	}
	t.ing.metrics.Operations.WithLabelValues("add").Add(float64(len(added)))

	return t.finishSync(ctx, d, desc, pid, added)
}

// syncUpdate brings an existing dataset in line with the deposit.
func (t *Task) syncUpdate(ctx context.Context, d *deposit.Deposit, desc *mapping.Description, st *progress) error {
	policy, gw := t.ing.policy, t.ing.gateway
	pid, err := policy.ResolveExisting(ctx, gw, d)
	if err != nil {
		return err
	}
	st.pid = pid
	logger := t.logger.WithField("pid", pid)

	if err := gw.UpdateMetadata(ctx, pid, desc.Dataset); err != nil {
		return deposit.FailedWithError(err, "cannot update metadata of %s", pid)
	}
	st.draft = pid

	remote, err := policy.LatestFiles(ctx, gw, pid)
	if err != nil {
		return deposit.FailedWithError(err, "cannot list files of %s", pid)
	}
	old := make(map[string]RemoteFileRecord, len(remote))
	for _, fm := range remote {
		old[fm.Path()] = RemoteFileRecord{
			ID:         fm.DataFile.ID,
			Path:       fm.Path(),
			Checksum:   strings.ToLower(fm.DataFile.Checksum.Value),
			Restricted: fm.Restricted,
		}
	}
	incoming := make(map[string]deposit.FileEntry, len(d.Files))
	for p, f := range d.Files {
		f.Checksum = strings.ToLower(f.Checksum)
		incoming[p] = f
	}

	plan := Reconcile(old, incoming)
	logger.WithFields(logrus.Fields{
		"moves":        len(plan.Moves),
		"replacements": len(plan.Replacements),
		"deletions":    len(plan.Deletions),
		"additions":    len(plan.Additions),
	}).Info("Reconciled file sets.")

	added := map[int64]string{}
	for _, id := range plan.DeletionIDs() {
		if err := gw.DeleteFile(ctx, id); err != nil {
			return deposit.FailedWithError(err, "cannot delete file %d", id)
		}
	}
	for _, id := range plan.ReplacementIDs() {
		f := plan.Replacements[id]
		newID, err := gw.ReplaceFile(ctx, id, f)
		if err != nil {
			return deposit.FailedWithError(err, "cannot replace file %d with %s", id, f.Path)
		}
		added[newID] = f.Path
	}
	for _, f := range plan.Additions {
		id, err := gw.AddFile(ctx, pid, f)
		if err != nil {
			return deposit.FailedWithError(err, "cannot add %s", f.Path)
		}
		added[id] = f.Path
	}
	for _, id := range plan.MoveIDs() {
		if err := gw.UpdateFileMetadata(ctx, id, plan.Moves[id]); err != nil {
			return deposit.FailedWithError(err, "cannot move file %d", id)
		}
	}

	restricted := 0
	for p, r := range old {
		f, ok := incoming[p]
		if !ok || f.Checksum != r.Checksum || f.Metadata.Restricted == r.Restricted {
			continue
		}
		if _, moved := plan.Moves[r.ID]; moved {
			continue
		}
		if err := gw.UpdateFileMetadata(ctx, r.ID, f.Metadata); err != nil {
			return deposit.FailedWithError(err, "cannot update access of %s", p)
		}
		restricted++
	}

	for kind, n := range plan.Counts() {
		t.ing.metrics.Operations.WithLabelValues(kind).Add(float64(n))
	}
	t.ing.metrics.Operations.WithLabelValues("restrict").Add(float64(restricted))

	return t.finishSync(ctx, d, desc, pid, added)
}

// finishSync waits for the file operations to settle and embargoes the new
// files.
func (t *Task) finishSync(ctx context.Context, d *deposit.Deposit, desc *mapping.Description, pid string, added map[int64]string) error {
	gw := t.ing.gateway
	if err := AwaitUnlocked(ctx, gw, pid, t.ing.config.Retry); err != nil {
		return err
	}
	req := ComputeEmbargo(
		t.ing.now(),
		t.ing.policy.EmbargoDate(d, desc),
		embargoCandidates(added, t.ing.config.HousekeepingFile),
	)
	if req == nil {
		return nil
	}
	if err := gw.SetEmbargo(ctx, pid, req.DateAvailable, req.FileIDs); err != nil {
		return deposit.FailedWithError(err, "cannot embargo files of %s until %s", pid, req.DateAvailable)
	}
	return AwaitUnlocked(ctx, gw, pid, t.ing.config.Retry)
}

// terminalize records the final state of the deposit and moves it to the
// outbox.
func (t *Task) terminalize(d *deposit.Deposit, st *progress, err error) Outcome {
	out := Outcome{Target: t.Target, Phase: st.phase}
	var (
		state  deposit.State
		outbox string
	)
	switch {
	case err == nil:
		out.Result, state, outbox = events.ResultOK, deposit.StatePublished, OutboxProcessed
		out.Message = fmt.Sprintf("published as %s", st.pid)
	case isRejection(err):
		out.Result, state, outbox = events.ResultRejected, deposit.StateRejected, OutboxRejected
		out.Message = err.Error()
	default:
		out.Result, state, outbox = events.ResultFailed, deposit.StateFailed, OutboxFailed
		out.Message = err.Error()
	}

	logger := t.logger.WithField("phase", st.phase)
	if err != nil {
		logger.WithError(err).Warnf("Deposit %s.", strings.ToLower(string(state)))
	} else {
		logger.Info(out.Message)
	}

	if err != nil && st.draft != "" {
		t.deleteDraft(st.draft)
	}

	d.State = state
	d.StateDescription = out.Message
	if err := t.ing.store.SaveManifest(d); err != nil {
		logger.WithError(err).Error("Cannot save deposit manifest.")
	}
	out.Location = t.move(outbox)
	t.finish(out)
	return out
}

// abandon handles deposits that cannot be read at all. Their manifest is
// left untouched.
func (t *Task) abandon(err error) Outcome {
	out := Outcome{
		Target:  t.Target,
		Result:  events.ResultFailed,
		Message: err.Error(),
	}
	t.logger.WithError(err).Warn("Cannot read deposit.")
	out.Location = t.move(OutboxFailed)
	t.finish(out)
	return out
}

func (t *Task) move(outbox string) string {
	dest, err := t.ing.store.MoveDeposit(t.Dir, filepath.Join(t.ing.config.Outbox, outbox))
	if err != nil {
		t.logger.WithError(err).Error("Cannot move deposit to the outbox.")
		return ""
	}
	return dest
}

func (t *Task) finish(out Outcome) {
	t.ing.metrics.Deposits.WithLabelValues(string(out.Result)).Inc()
	t.emit(events.EndProcessing, out.Result, out.Message)
}

// deleteDraft removes unpublished changes left behind by a failed task.
func (t *Task) deleteDraft(pid string) {
	ctx, cancel := context.WithTimeout(context.Background(), draftCleanupTimeout)
	defer cancel()
	if err := t.ing.gateway.DeleteDraft(ctx, pid); err != nil {
		t.logger.WithError(err).WithField("pid", pid).Warn("Cannot delete draft.")
		return
	}
	t.logger.WithField("pid", pid).Info("Draft deleted.")
}

func (t *Task) emit(typ events.Type, result events.Result, message string) {
	e := events.New(filepath.Base(t.Dir), typ, result, message, t.ing.now())
	if err := t.ing.sink.Write(context.Background(), e); err != nil {
		t.logger.WithError(err).WithField("event", typ).Warn("Cannot record event.")
	}
}

func isRejection(err error) bool {
	var rejected *deposit.RejectedDepositError
	return errors.As(err, &rejected)
}
