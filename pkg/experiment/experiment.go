// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package experiment opens an experiment directory written by a collector,
// reads its log and auxiliary files, and serves the recorded event tables
// with their call stacks resolved.
package experiment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/erprof/pkg/archive"
	"github.com/parca-dev/erprof/pkg/callstack"
	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/demangle"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/ingest"
	"github.com/parca-dev/erprof/pkg/packet"
	"github.com/parca-dev/erprof/pkg/prbtree"
)

// Status is the outcome of opening an experiment.
type Status int

const (
	NotOpened Status = iota
	Failure
	Incomplete
	Success
)

func (s Status) String() string {
	switch s {
	case NotOpened:
		return "NOT_OPENED"
	case Failure:
		return "FAILURE"
	case Incomplete:
		return "INCOMPLETE"
	case Success:
		return "SUCCESS"
	}
	return fmt.Sprintf("STATUS%d", int(s))
}

// Files of an experiment directory.
const (
	LogFile      = "log.xml"
	WarningsFile = "warnings.xml"
	NotesFile    = "notes"
	LabelsFile   = "labels.xml"
	JClassesFile = "jclasses"
	MapFile      = "map.xml"
	DynTextFile  = "dyntext"
	OverviewFile = "overview"
	IFreqFile    = "ifreq"
	OMPFile      = "omptrace"
	FrameFile    = "frameinfo"
)

const DefaultStatTimeout = 5 * time.Second

var errStatTimeout = errors.New("stat timed out")

type options struct {
	statTimeout      time.Duration
	chunkSize        int64
	progressInterval int64
	frameCache       int
	demangler        demangle.Demangler
	stat             func(string) (os.FileInfo, error)
}

type Option func(*options)

// WithStatTimeout bounds the time spent waiting for the experiment
// directory to be stat'ed, which can hang on unresponsive network file
// systems.
func WithStatTimeout(d time.Duration) Option {
	return func(o *options) { o.statTimeout = d }
}

func WithChunkSize(n int64) Option {
	return func(o *options) { o.chunkSize = n }
}

func WithProgressInterval(n int64) Option {
	return func(o *options) { o.progressInterval = n }
}

// WithFrameCache enables an LRU cache of n frame info lookups.
func WithFrameCache(n int) Option {
	return func(o *options) { o.frameCache = n }
}

func WithDemangler(d demangle.Demangler) Option {
	return func(o *options) { o.demangler = d }
}

// Experiment is one opened experiment directory. Methods are not safe for
// concurrent use; open several experiments concurrently instead.
type Experiment struct {
	path   string
	opts   options
	ictx   *ingest.Context
	logger log.Logger

	status  Status
	modTime time.Time

	errors   *emsg.Queue
	warnings *emsg.Queue
	comments *emsg.Queue
	notes    *emsg.Queue

	version   string
	order     binary.ByteOrder
	collector Collector
	process   Process
	system    System
	startTime int64
	endTime   int64
	runSeen   bool
	exitSeen  bool
	execSeen  bool

	kinds       map[string]*DataKind
	kindOrder   []string
	hwcounters  []HWCounter
	states      []MicroState
	threads     map[uint64]*Lifetime
	lwps        map[uint64]*Lifetime
	jthreads    map[uint64]*Lifetime
	gcs         []Interval
	pauses      []Interval
	descendants []Descendant
	signals     int
	samples     []*Sample
	labels      []Label
	ompRegions  []OMPRegion

	archives *archive.Index

	maps        *prbtree.Tree[*SegMem]
	segments    []*SegMem
	objects     map[string]*LoadObject
	objectOrder []*LoadObject
	dynfuncs    map[uint64]*Function
	segCache    [segCacheSize]segCacheEntry
	mapTime     int64

	classes    map[uint64]*JClass
	methods    *prbtree.Tree[*JMethod]
	methodTime int64

	resolver     *callstack.Resolver
	framesLoaded bool
	data         map[string]*datadesc.Descriptor
	inconsistent int
}

func newExperiment(ictx *ingest.Context, path string, opts []Option) *Experiment {
	o := options{
		statTimeout:      DefaultStatTimeout,
		chunkSize:        packet.DefaultChunkSize,
		progressInterval: packet.DefaultProgressInterval,
		demangler:        demangle.Default(),
		stat:             os.Stat,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if ictx == nil {
		ictx = ingest.NewContext()
	}
	return &Experiment{
		path:     path,
		opts:     o,
		ictx:     ictx,
		logger:   log.With(ictx.Logger, "experiment", filepath.Base(path)),
		errors:   emsg.NewQueue("errors"),
		warnings: emsg.NewQueue("warnings"),
		comments: emsg.NewQueue("comments"),
		notes:    emsg.NewQueue("notes"),
		order:    binary.LittleEndian,
		kinds:    map[string]*DataKind{},
		threads:  map[uint64]*Lifetime{},
		lwps:     map[uint64]*Lifetime{},
		jthreads: map[uint64]*Lifetime{},
		maps:     prbtree.New[*SegMem](),
		objects:  map[string]*LoadObject{},
		dynfuncs: map[uint64]*Function{},
		classes:  map[uint64]*JClass{},
		methods:  prbtree.New[*JMethod](),
		data:     map[string]*datadesc.Descriptor{},
		mapTime:  -1 << 63,

		methodTime: -1 << 63,
	}
}

// Open reads the experiment at path. It never fails outright: the outcome
// is reported by Status and the message queues.
func Open(ctx context.Context, ictx *ingest.Context, path string, opts ...Option) *Experiment {
	e := newExperiment(ictx, path, opts)

	ctx, span := e.ictx.Tracer.Start(ctx, "experiment/Open", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	start := time.Now()
	e.open(ctx)

	e.ictx.Stats.Experiments.WithLabelValues(e.status.String()).Inc()
	span.SetAttributes(attribute.String("status", e.status.String()))
	level.Info(e.logger).Log(
		"msg", "experiment opened",
		"status", e.status,
		"warnings", e.warnings.Len(),
		"errors", e.errors.Len(),
		"duration", time.Since(start),
	)
	return e
}

func (e *Experiment) open(ctx context.Context) {
	if !validName(e.path) {
		e.fatalf("%s: not a valid experiment name", e.path)
		return
	}

	fi, err := e.statWithTimeout()
	switch {
	case errors.Is(err, errStatTimeout):
		level.Warn(e.logger).Log("msg", "stat of experiment directory timed out, status unknown", "timeout", e.opts.statTimeout)
	case err != nil:
		e.fatalf("%s: cannot access experiment: %v", e.path, err)
		return
	case !fi.IsDir():
		e.fatalf("%s: not an experiment directory", e.path)
		return
	default:
		e.modTime = fi.ModTime()
	}

	e.stage(ctx, WarningsFile, e.readWarnings)
	if !e.readLog(ctx) {
		return
	}
	e.stage(ctx, NotesFile, e.readNotes)
	e.stage(ctx, LabelsFile, e.readLabels)
	e.stage(ctx, archive.Dir, e.readArchives)
	e.stage(ctx, JClassesFile, e.readJClasses)
	e.stage(ctx, MapFile, e.readMaps)
	e.stage(ctx, DynTextFile, e.readDynText)
	e.stage(ctx, OverviewFile, e.readOverview)
	if e.collector.Enabled("ifreq") {
		e.stage(ctx, IFreqFile, e.readIFreq)
	}
	if e.collector.Enabled("openmp") {
		e.stage(ctx, OMPFile, e.readOMP)
	}

	e.registerMetrics()
	e.commentary()
	if e.status == Incomplete {
		e.warnings.Append(emsg.Warning, "The experiment is incomplete: the target process did not terminate normally")
	}
}

func validName(path string) bool {
	base := filepath.Base(filepath.Clean(path))
	return len(base) > len(".er") && strings.HasSuffix(base, ".er")
}

func (e *Experiment) statWithTimeout() (os.FileInfo, error) {
	type result struct {
		fi  os.FileInfo
		err error
	}
	ch := make(chan result, 1)
	go func() {
		fi, err := e.opts.stat(e.path)
		ch <- result{fi: fi, err: err}
	}()

	timer := time.NewTimer(e.opts.statTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.fi, r.err
	case <-timer.C:
		return nil, errStatTimeout
	}
}

// stage runs one best-effort reading step. Missing files are skipped
// silently; other errors become warnings.
func (e *Experiment) stage(ctx context.Context, name string, fn func(context.Context) error) {
	if e.status == Failure {
		return
	}
	ctx, span := e.ictx.Tracer.Start(ctx, "experiment/"+name)
	defer span.End()

	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		level.Debug(e.logger).Log("msg", "optional file missing", "file", name)
	default:
		span.RecordError(err)
		level.Warn(e.logger).Log("msg", "failed to read experiment file", "file", name, "err", err)
		e.warnings.Appendf(emsg.Warning, "Unable to read %s: %v", name, err)
	}
}

func (e *Experiment) fatalf(format string, args ...interface{}) {
	e.status = Failure
	e.errors.Appendf(emsg.Fatal, format, args...)
}

func (e *Experiment) file(name string) string {
	return filepath.Join(e.path, name)
}

func (e *Experiment) reader() *packet.Reader {
	return packet.NewReader(e.ictx,
		packet.WithChunkSize(e.opts.chunkSize),
		packet.WithProgressInterval(e.opts.progressInterval),
	)
}

// readPackets reads a binary file of the experiment through h and turns
// invalid records into a single warning.
func (e *Experiment) readPackets(ctx context.Context, name string, h packet.Handler) (packet.Stats, error) {
	w, err := packet.OpenWindow(e.file(name), e.order)
	if err != nil {
		return packet.Stats{}, err
	}
	defer w.Close()

	st, err := e.reader().Read(ctx, w, h)
	if st.Invalid > 0 {
		e.warnings.Appendf(emsg.Warning, "%d invalid packet(s) found in %s", st.Invalid, name)
	}
	return st, err
}

func (e *Experiment) Path() string { return e.path }

func (e *Experiment) Status() Status { return e.status }

// ModTime is the modification time of the directory, zero if it could not
// be determined.
func (e *Experiment) ModTime() time.Time { return e.modTime }

func (e *Experiment) Errors() *emsg.Queue { return e.errors }

func (e *Experiment) Warnings() *emsg.Queue { return e.warnings }

func (e *Experiment) Comments() *emsg.Queue { return e.comments }

func (e *Experiment) Notes() *emsg.Queue { return e.notes }

// Version is the log format version.
func (e *Experiment) Version() string { return e.version }

func (e *Experiment) ByteOrder() binary.ByteOrder { return e.order }

func (e *Experiment) Collector() Collector { return e.collector }

func (e *Experiment) Process() Process { return e.process }

func (e *Experiment) System() System { return e.system }

// StartTime and EndTime bound the run in collector high resolution time.
func (e *Experiment) StartTime() int64 { return e.startTime }

func (e *Experiment) EndTime() int64 { return e.endTime }

func (e *Experiment) Samples() []*Sample { return e.samples }

func (e *Experiment) Labels() []Label { return e.labels }

func (e *Experiment) HWCounters() []HWCounter { return e.hwcounters }

func (e *Experiment) MicroStates() []MicroState { return e.states }

func (e *Experiment) GCs() []Interval { return e.gcs }

func (e *Experiment) Pauses() []Interval { return e.pauses }

func (e *Experiment) Descendants() []Descendant { return e.descendants }

func (e *Experiment) Archives() *archive.Index { return e.archives }

// Kinds returns the data kinds recorded, in log order.
func (e *Experiment) Kinds() []*DataKind {
	out := make([]*DataKind, 0, len(e.kindOrder))
	for _, k := range e.kindOrder {
		out = append(out, e.kinds[k])
	}
	return out
}

// Kind returns the named data kind.
func (e *Experiment) Kind(name string) (*DataKind, bool) {
	k, ok := e.kinds[name]
	return k, ok
}
