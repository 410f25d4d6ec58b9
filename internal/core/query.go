package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/dbenv/internal/apperr"
	"github.com/giantswarm/dbenv/internal/dialect"
	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/metrics"
	"github.com/giantswarm/dbenv/internal/sentinel"
)

// sizeSampleEvery is the query count between size probes on an instance.
// Probing every query would double the exec traffic for no precision gain.
const sizeSampleEvery = 8

// errAbandoned aborts parsing when the event consumer went away.
const errAbandoned = sentinel.Error("core: event stream abandoned")

// mutatingPrefixes are the statement kinds refused in read-only posture.
// DELETE, DROP, and TRUNCATE stay allowed so an over-cap instance can
// shrink itself back under the limit.
var mutatingPrefixes = []string{
	"INSERT", "UPDATE", "CREATE", "ALTER", "REPLACE", "LOAD", "MERGE",
}

func isMutating(sql string) bool {
	s := strings.ToUpper(strings.TrimSpace(sql))
	for _, p := range mutatingPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Query runs sql against the instance and returns its event stream. The
// stream is produced as the CLI prints; the channel's single-slot buffer
// makes a slow consumer backpressure the parse instead of buffering the
// result set. The channel closes after the terminal done event.
//
// The instance's query slot serializes execution: a second Query blocks up
// to the query timeout waiting for the first, then fails with QUERY_TIMEOUT.
func (r *Registry) Query(ctx context.Context, id, sql string) (<-chan dialect.Event, error) {
	inst, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	mutating := isMutating(sql)
	if inst.ReadOnly() && mutating {
		return nil, apperr.Newf(apperr.DBSizeExceeded,
			"database %s is over its size cap; writes are refused", id)
	}
	if err := inst.beginQuery(ctx, r.cfg.QueryTimeout); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	e, err := r.daemon.StartExec(execCtx, inst.host.ContainerID, dockerd.ExecSpec{
		Cmd: inst.Dialect.QueryCommand(inst.Target, sql),
		Env: inst.Dialect.CommandEnv(inst.Target),
	})
	if err != nil {
		cancel()
		inst.endQuery()
		return nil, apperr.Wrap(apperr.Internal, "starting query", err)
	}

	events := make(chan dialect.Event, 1)
	go r.runQuery(ctx, execCtx, cancel, inst, e, events, mutating)
	return events, nil
}

func (r *Registry) runQuery(ctx, execCtx context.Context, cancel context.CancelFunc, inst *Instance, e Exec, events chan<- dialect.Event, mutating bool) {
	started := time.Now()
	status := metrics.StatusOK

	defer func() {
		cancel()
		inst.endQuery()
		metrics.Queries.WithLabelValues(inst.Dialect.Name(), status).Inc()
		metrics.QueryDuration.WithLabelValues(inst.Dialect.Name()).Observe(time.Since(started).Seconds())
		close(events)
	}()

	// The hijacked stream does not unwind on its own when the deadline
	// passes; tear it down so the parser sees EOF.
	go func() {
		<-execCtx.Done()
		_ = e.Close()
	}()

	send := func(ev dialect.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	stderrCh := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(e.Stderr())
		stderrCh <- b
	}()

	sawError := false
	emit := func(ev dialect.Event) error {
		if ev.Kind == dialect.EventError {
			sawError = true
		}
		if !send(ev) {
			return errAbandoned
		}
		return nil
	}

	if err := dialect.ParseBatch(e.Stdout(), inst.Dialect, emit); err != nil && !errors.Is(err, errAbandoned) {
		Logger().Warn("parsing query output", "db_id", inst.ID, "error", err)
	}

	// A terminal failure closes the stream on its error event; done is only
	// sent when the CLI ran to completion.
	terminal := false
	exit, waitErr := e.Wait(execCtx)
	switch {
	case waitErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		status = metrics.StatusTimeout
		terminal = true
		send(dialect.ErrorEvent(apperr.QueryTimeout.Code(),
			fmt.Sprintf("query exceeded the %s limit and was killed", r.cfg.QueryTimeout), ""))
	case waitErr != nil:
		status = metrics.StatusError
		terminal = true
		send(dialect.ErrorEvent(apperr.Internal.Code(), "query execution failed", waitErr.Error()))
	default:
		if stderr := <-stderrCh; len(stderr) > 0 {
			_ = dialect.ParseStderr(strings.NewReader(string(stderr)), inst.Dialect, emit)
		}
		if exit != 0 && !sawError {
			sawError = true
			send(dialect.ErrorEvent(apperr.QuerySyntaxError.Code(),
				fmt.Sprintf("%s client exited with status %d", inst.Dialect.Name(), exit), ""))
		}
		if sawError || exit != 0 {
			status = metrics.StatusError
		}
	}

	// The request context may be gone by now; book-keeping still runs.
	bg := context.Background()
	r.TouchPersist(bg, inst)
	// Writes move the size immediately; reads only drift it, so they are
	// sampled on a stride.
	if n := inst.queries.Add(1); mutating || n%sizeSampleEvery == 0 {
		r.sampleSize(bg, inst)
	}

	if !terminal {
		send(dialect.Done(time.Since(started)))
	}
}

// QueryText runs sql with the CLI's human-readable rendering and returns
// the full text. Text output is pass-through, so it is collected rather
// than streamed.
func (r *Registry) QueryText(ctx context.Context, id, sql string) (string, error) {
	inst, err := r.Get(id)
	if err != nil {
		return "", err
	}
	mutating := isMutating(sql)
	if inst.ReadOnly() && mutating {
		return "", apperr.Newf(apperr.DBSizeExceeded,
			"database %s is over its size cap; writes are refused", id)
	}
	if err := inst.beginQuery(ctx, r.cfg.QueryTimeout); err != nil {
		return "", err
	}
	defer inst.endQuery()

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	started := time.Now()
	out, err := r.daemon.ExecCollect(execCtx, inst.host.ContainerID, dockerd.ExecSpec{
		Cmd: inst.Dialect.TextQueryCommand(inst.Target, sql),
		Env: inst.Dialect.CommandEnv(inst.Target),
	})

	metrics.QueryDuration.WithLabelValues(inst.Dialect.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			metrics.Queries.WithLabelValues(inst.Dialect.Name(), metrics.StatusTimeout).Inc()
			return "", apperr.Newf(apperr.QueryTimeout,
				"query exceeded the %s limit and was killed", r.cfg.QueryTimeout)
		}
		metrics.Queries.WithLabelValues(inst.Dialect.Name(), metrics.StatusError).Inc()
		return "", apperr.Wrap(apperr.Internal, "running query", err)
	}

	r.TouchPersist(ctx, inst)
	if n := inst.queries.Add(1); mutating || n%sizeSampleEvery == 0 {
		r.sampleSize(ctx, inst)
	}

	if out.ExitCode != 0 {
		metrics.Queries.WithLabelValues(inst.Dialect.Name(), metrics.StatusError).Inc()
		return "", apperr.New(apperr.QuerySyntaxError, strings.TrimSpace(out.Stderr))
	}
	metrics.Queries.WithLabelValues(inst.Dialect.Name(), metrics.StatusOK).Inc()
	return out.Stdout, nil
}

// sampleSize probes the instance's on-disk size as engine root and updates
// its read-only posture. Failures are logged; the next sample retries.
func (r *Registry) sampleSize(ctx context.Context, inst *Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	out, err := r.daemon.ExecCollect(probeCtx, inst.host.ContainerID, dockerd.ExecSpec{
		Cmd: inst.Dialect.AdminCommand(inst.host.RootPassword, inst.Dialect.SizeProbeSQL(inst.Target)),
	})
	if err != nil || out.ExitCode != 0 {
		Logger().Warn("probing database size", "db_id", inst.ID, "error", err, "stderr", out.Stderr)
		return
	}
	size, ok := lastInt(out.Stdout)
	if !ok {
		Logger().Warn("unparseable size probe output", "db_id", inst.ID)
		return
	}

	wasReadOnly := inst.ReadOnly()
	inst.setSize(size, r.sizeCapBytes())
	if readOnly := inst.ReadOnly(); readOnly != wasReadOnly {
		Logger().Info("size posture changed", "db_id", inst.ID, "size_bytes", size, "read_only", readOnly)
	}
	if err := r.meta.UpsertInstance(ctx, inst.Record()); err != nil {
		Logger().Warn("persisting size", "db_id", inst.ID, "error", err)
	}
}

// lastInt extracts the last line of s that parses as an integer. Both CLIs
// print the probe value on its own line between headers and row-count noise.
func lastInt(s string) (int64, bool) {
	var (
		val   int64
		found bool
	)
	for _, line := range strings.Split(s, "\n") {
		n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err == nil {
			val, found = n, true
		}
	}
	return val, found
}
