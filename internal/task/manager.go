package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storywright/illustration-api/internal/domain"
	"github.com/storywright/illustration-api/internal/events"
	"github.com/storywright/illustration-api/internal/platform/logger"
	"github.com/storywright/illustration-api/internal/prompt"
	"github.com/storywright/illustration-api/internal/redact"
	"github.com/storywright/illustration-api/internal/store"
)

// storyState tracks the in-memory execution position of one story. The
// queue holds the not-yet-completed tasks in execution order; queue[0] is
// the only task of the story that may ever be handed to a worker, which is
// what enforces strict per-story sequencing.
type storyState struct {
	queue []*domain.IllustrationTask

	// dispatched is true while queue[0] is owned by the run queue, a
	// worker, or a pending retry timer. Only the owning goroutine touches
	// a dispatched head.
	dispatched bool

	// hasGlobalRef records whether this story's sequence starts with a
	// global reference task, completed or not.
	hasGlobalRef  bool
	globalRefPath string

	// lastReadyPage is the highest page number with a completed
	// illustration, and lastReadyPath its storage path.
	lastReadyPage int
	lastReadyPath string
}

// Manager coordinates the illustration pipeline. It derives tasks from
// story submissions, persists every status transition through the task
// store before reflecting it in memory, and feeds a worker pool from a run
// queue that only ever contains tasks whose ordering prerequisites are
// satisfied.
//
// Concurrency model: tasks of different stories run in parallel up to
// WorkerCount; within a story at most one task is in flight at a time.
type Manager struct {
	store    store.TaskStore
	client   GenerationClient
	composer PromptComposer
	emitter  events.Emitter
	classify ErrorClassifier
	backoff  backoffSchedule
	cfg      ManagerConfig
	logger   *slog.Logger

	queue  *runQueue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	stories      map[uuid.UUID]*storyState
	activeByPage map[uuid.UUID]uuid.UUID

	// discard holds the IDs of dispatched tasks whose story was cancelled
	// while they were in flight. Their results are discarded on completion.
	// Keyed by task ID so a later resubmission of the story cannot
	// resurrect a result that was already condemned.
	discard map[uuid.UUID]struct{}
}

// NewManager creates a task manager. The emitter may be nil, in which case
// no status events are published. All other dependencies are required.
func NewManager(
	taskStore store.TaskStore,
	client GenerationClient,
	composer PromptComposer,
	emitter events.Emitter,
	classify ErrorClassifier,
	cfg ManagerConfig,
	log *slog.Logger,
) (*Manager, error) {
	if taskStore == nil {
		return nil, ErrNilStore
	}
	if client == nil {
		return nil, ErrNilClient
	}
	if composer == nil {
		return nil, ErrNilComposer
	}
	if classify == nil {
		return nil, ErrNilClassifier
	}
	if log == nil {
		log = slog.Default()
	}

	defaults := DefaultManagerConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        taskStore,
		client:       client,
		composer:     composer,
		emitter:      emitter,
		classify:     classify,
		backoff:      backoffSchedule{base: cfg.RetryBaseDelay, max: cfg.RetryMaxDelay},
		cfg:          cfg,
		logger:       log.With("component", "task_manager"),
		queue:        newRunQueue(cfg.QueueSize, log),
		ctx:          ctx,
		cancel:       cancel,
		stories:      make(map[uuid.UUID]*storyState),
		activeByPage: make(map[uuid.UUID]uuid.UUID),
		discard:      make(map[uuid.UUID]struct{}),
	}, nil
}

// Start recovers incomplete tasks from the store and launches the worker
// pool. It must be called exactly once before any submission.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recover(ctx); err != nil {
		return fmt.Errorf("task recovery: %w", err)
	}

	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.logger.Info("task manager started", "worker_count", m.cfg.WorkerCount)
	return nil
}

// Stop cancels in-flight generation, closes the run queue and waits for
// all workers to exit. Interrupted tasks remain pending or in_progress in
// the store and are picked up by recovery on the next start.
func (m *Manager) Stop() {
	m.cancel()
	m.queue.Close()
	m.wg.Wait()
	m.logger.Info("task manager stopped")
}

// EnqueueStory derives the full task sequence for a story, persists it
// atomically and admits the first runnable task. Stories with consistency
// requirements get a global reference task ahead of the page tasks.
//
// Submission is idempotent: re-submitting a story whose tasks are still
// active returns the existing tasks without creating duplicates.
func (m *Manager) EnqueueStory(ctx context.Context, spec StorySpec) ([]*domain.IllustrationTask, error) {
	if spec.StoryID == uuid.Nil {
		return nil, ErrNilStoryID
	}
	if len(spec.Pages) == 0 {
		return nil, ErrNoPages
	}

	pages := make([]domain.Page, len(spec.Pages))
	copy(pages, spec.Pages)
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	for i := range pages {
		if err := pages[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid page %d: %w", pages[i].PageNumber, err)
		}
	}

	m.mu.Lock()
	if st, ok := m.stories[spec.StoryID]; ok {
		existing := append([]*domain.IllustrationTask(nil), st.queue...)
		m.mu.Unlock()
		logger.FromContext(ctx).Info("story already enqueued, returning active tasks",
			"story_id", spec.StoryID, "task_count", len(existing))
		return existing, nil
	}
	m.mu.Unlock()

	needsRef := needsGlobalReference(spec)
	total := len(pages)

	tasks := make([]*domain.IllustrationTask, 0, total+1)
	if needsRef {
		refPrompt := m.composer.BuildGlobalReferencePrompt(spec.VisualContext, spec.Title, spec.Collection)
		t, err := domain.NewGlobalReferenceTask(spec.StoryID, total, refPrompt)
		if err != nil {
			return nil, fmt.Errorf("creating global reference task: %w", err)
		}
		tasks = append(tasks, t)
	}
	for _, page := range pages {
		pagePrompt := m.composer.BuildSequentialPrompt(prompt.SequentialInput{
			PageContent:             page.Content,
			PageNumber:              page.PageNumber,
			TotalPages:              total,
			VisualContext:           spec.VisualContext,
			HasGlobalReference:      needsRef,
			HasPreviousIllustration: page.PageNumber > 1,
			Collection:              spec.Collection,
		})
		t, err := domain.NewSequentialTask(spec.StoryID, page.PageID, page.PageNumber, total, pagePrompt)
		if err != nil {
			return nil, fmt.Errorf("creating task for page %d: %w", page.PageNumber, err)
		}
		tasks = append(tasks, t)
	}

	if err := m.store.SaveTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("persisting story tasks: %w", err)
	}

	for _, t := range tasks {
		m.emit(ctx, t)
	}

	m.mu.Lock()
	st := &storyState{queue: tasks, hasGlobalRef: needsRef}
	m.stories[spec.StoryID] = st
	for _, t := range tasks {
		if t.PageID != nil {
			m.activeByPage[*t.PageID] = t.ID
		}
	}
	m.maybeDispatchLocked(ctx, st)
	m.mu.Unlock()

	logger.FromContext(ctx).Info("story enqueued",
		"story_id", spec.StoryID,
		"task_count", len(tasks),
		"global_reference", needsRef)
	return tasks, nil
}

// Enqueue submits a single prepared task, slotting it into its story's
// execution position. Idempotent per page: when the task's page already
// has an active task, that task is returned and nothing is created. A
// global reference task is rejected with store.ErrGlobalReferenceExists
// when the story already has one; the still-queued one is returned
// instead when it has not run yet.
func (m *Manager) Enqueue(ctx context.Context, t *domain.IllustrationTask) (*domain.IllustrationTask, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil task", store.ErrInvalidEntity)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	m.mu.Lock()
	if t.TaskType == domain.TaskTypeGlobalReference {
		if st, live := m.stories[t.StoryID]; live {
			for _, queued := range st.queue {
				if queued.TaskType == domain.TaskTypeGlobalReference {
					m.mu.Unlock()
					return queued, nil
				}
			}
			if st.hasGlobalRef {
				m.mu.Unlock()
				return nil, store.ErrGlobalReferenceExists
			}
		}
	}
	if t.PageID != nil {
		if activeID, ok := m.activeByPage[*t.PageID]; ok {
			if st, live := m.stories[t.StoryID]; live {
				for _, queued := range st.queue {
					if queued.ID == activeID {
						m.mu.Unlock()
						return queued, nil
					}
				}
			}
			m.mu.Unlock()
			return m.store.GetTask(ctx, activeID)
		}
	}
	m.mu.Unlock()

	hasRef, refPath, lastPage, lastPath, err := m.storyFacts(ctx, t.StoryID)
	if err != nil {
		return nil, fmt.Errorf("loading story state: %w", err)
	}
	// A story gets exactly one global reference task; replacing a failed
	// one goes through Retry.
	if t.TaskType == domain.TaskTypeGlobalReference && hasRef {
		return nil, store.ErrGlobalReferenceExists
	}

	if err := m.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}
	m.emit(ctx, t)

	m.mu.Lock()
	st, live := m.stories[t.StoryID]
	if !live {
		st = &storyState{
			hasGlobalRef:  hasRef,
			globalRefPath: refPath,
			lastReadyPage: lastPage,
			lastReadyPath: lastPath,
		}
		m.stories[t.StoryID] = st
	}
	if t.TaskType == domain.TaskTypeGlobalReference {
		st.hasGlobalRef = true
	}
	insertTask(st, t)
	if t.PageID != nil {
		m.activeByPage[*t.PageID] = t.ID
	}
	m.maybeDispatchLocked(ctx, st)
	m.mu.Unlock()

	return t, nil
}

// insertTask places a task at its ordering position in the story queue
// without displacing a dispatched head.
func insertTask(st *storyState, t *domain.IllustrationTask) {
	start := 0
	if st.dispatched {
		start = 1
	}
	idx := len(st.queue)
	for i := start; i < len(st.queue); i++ {
		if taskBefore(t, st.queue[i]) {
			idx = i
			break
		}
	}
	st.queue = append(st.queue[:idx], append([]*domain.IllustrationTask{t}, st.queue[idx:]...)...)
}

func taskBefore(a, b *domain.IllustrationTask) bool {
	if a.TaskType != b.TaskType {
		return a.TaskType == domain.TaskTypeGlobalReference
	}
	return a.PageNumber < b.PageNumber
}

// Status returns the most recent task for a page, which carries the
// page's current illustration status. Returns store.ErrTaskNotFound when
// no task was ever created for the page.
func (m *Manager) Status(ctx context.Context, pageID uuid.UUID) (*domain.IllustrationTask, error) {
	history, err := m.store.TasksForPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("loading page tasks: %w", err)
	}
	if len(history) == 0 {
		return nil, store.ErrTaskNotFound
	}
	return history[0], nil
}

// StoryTasks returns every task belonging to a story in execution order.
func (m *Manager) StoryTasks(ctx context.Context, storyID uuid.UUID) ([]*domain.IllustrationTask, error) {
	if storyID == uuid.Nil {
		return nil, ErrNilStoryID
	}
	return m.store.TasksForStory(ctx, storyID)
}

// CancelStory cancels all outstanding tasks of a story. Tasks not yet
// handed to a worker are marked cancelled immediately; a task currently
// generating finishes its API call, its result is discarded and the task
// is marked cancelled on completion. Returns the number of tasks marked
// cancelled immediately.
func (m *Manager) CancelStory(ctx context.Context, storyID uuid.UUID) (int, error) {
	if storyID == uuid.Nil {
		return 0, ErrNilStoryID
	}

	m.mu.Lock()
	st, active := m.stories[storyID]
	var toCancel []*domain.IllustrationTask
	if active {
		for i, t := range st.queue {
			// A dispatched head is owned by its worker or retry timer;
			// condemn it by ID so the discard check on completion
			// cancels it even if the story is resubmitted meanwhile.
			if i == 0 && st.dispatched {
				m.discard[t.ID] = struct{}{}
				continue
			}
			if t.Status == domain.TaskStatusPending {
				toCancel = append(toCancel, t)
			}
			if t.PageID != nil {
				delete(m.activeByPage, *t.PageID)
			}
		}
		delete(m.stories, storyID)
	}
	m.mu.Unlock()

	log := logger.FromContext(ctx)
	count := 0
	for _, t := range toCancel {
		if err := m.store.UpdateStatus(ctx, t.ID, domain.TaskStatusCancelled, ""); err != nil {
			log.Error("failed to mark task cancelled", "task_id", t.ID, "error", err)
			continue
		}
		t.Status = domain.TaskStatusCancelled
		m.emit(ctx, t)
		count++
	}

	log.Info("story cancelled", "story_id", storyID, "cancelled_count", count, "was_active", active)
	return count, nil
}

// Retry creates a fresh task for a failed one, with the attempt count
// reset, and splices it back into the story's execution position. Only
// failed tasks can be retried; if the page already has an active
// replacement task, that task is returned instead of creating another.
func (m *Manager) Retry(ctx context.Context, taskID uuid.UUID) (*domain.IllustrationTask, error) {
	old, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotRetryable, old.ID, old.Status)
	}

	// When the story has no live state the gating facts must be rebuilt
	// from the store before the new task can be admitted.
	hasRef, refPath, lastPage, lastPath, err := m.storyFacts(ctx, old.StoryID)
	if err != nil {
		return nil, fmt.Errorf("loading story state: %w", err)
	}

	m.mu.Lock()
	if old.PageID != nil {
		if activeID, ok := m.activeByPage[*old.PageID]; ok && activeID != old.ID {
			if st, live := m.stories[old.StoryID]; live {
				for _, t := range st.queue {
					if t.ID == activeID {
						m.mu.Unlock()
						return t, nil
					}
				}
			}
		}
	}
	m.mu.Unlock()

	var fresh *domain.IllustrationTask
	if old.TaskType == domain.TaskTypeGlobalReference {
		fresh, err = domain.NewGlobalReferenceTask(old.StoryID, old.TotalPages, old.PromptDescription)
	} else {
		fresh, err = domain.NewSequentialTask(old.StoryID, *old.PageID, old.PageNumber, old.TotalPages, old.PromptDescription)
	}
	if err != nil {
		return nil, fmt.Errorf("creating replacement task: %w", err)
	}
	fresh.PreviousIllustrationPath = old.PreviousIllustrationPath

	if err := m.store.SaveTask(ctx, fresh); err != nil {
		return nil, fmt.Errorf("persisting replacement task: %w", err)
	}
	m.emit(ctx, fresh)

	m.mu.Lock()
	st, live := m.stories[old.StoryID]
	if !live {
		st = &storyState{
			hasGlobalRef:  hasRef,
			globalRefPath: refPath,
			lastReadyPage: lastPage,
			lastReadyPath: lastPath,
		}
		m.stories[old.StoryID] = st
	}
	if live && len(st.queue) > 0 && !st.dispatched && st.queue[0].ID == old.ID {
		st.queue[0] = fresh
	} else {
		// The failed task precedes everything still queued for the story.
		st.queue = append([]*domain.IllustrationTask{fresh}, st.queue...)
	}
	if fresh.PageID != nil {
		m.activeByPage[*fresh.PageID] = fresh.ID
	}
	m.maybeDispatchLocked(ctx, st)
	m.mu.Unlock()

	logger.FromContext(ctx).Info("failed task resubmitted",
		"failed_task_id", old.ID,
		"task_id", fresh.ID,
		"story_id", fresh.StoryID)
	return fresh, nil
}

// recover loads every pending or in_progress task, resets interrupted
// executions to pending, rebuilds the per-story queues and admits each
// story's head if its prerequisites are already satisfied. Safe to run
// against an empty store; running it twice yields the same state.
func (m *Manager) recover(ctx context.Context) error {
	tasks, err := m.store.GetPendingOrInProgress(ctx)
	if err != nil {
		return fmt.Errorf("loading incomplete tasks: %w", err)
	}
	if len(tasks) == 0 {
		m.logger.Info("no incomplete tasks to recover")
		return nil
	}

	for _, t := range tasks {
		if t.Status == domain.TaskStatusInProgress {
			if err := m.store.UpdateStatus(ctx, t.ID, domain.TaskStatusPending, "interrupted by shutdown"); err != nil {
				return fmt.Errorf("resetting interrupted task %s: %w", t.ID, err)
			}
			t.Status = domain.TaskStatusPending
		}
	}

	byStory := make(map[uuid.UUID][]*domain.IllustrationTask)
	var storyOrder []uuid.UUID
	for _, t := range tasks {
		if _, seen := byStory[t.StoryID]; !seen {
			storyOrder = append(storyOrder, t.StoryID)
		}
		byStory[t.StoryID] = append(byStory[t.StoryID], t)
	}

	for _, storyID := range storyOrder {
		queue := byStory[storyID]
		sort.SliceStable(queue, func(i, j int) bool {
			if queue[i].TaskType != queue[j].TaskType {
				return queue[i].TaskType == domain.TaskTypeGlobalReference
			}
			return queue[i].PageNumber < queue[j].PageNumber
		})

		hasRef, refPath, lastPage, lastPath, err := m.storyFacts(ctx, storyID)
		if err != nil {
			return fmt.Errorf("rebuilding state for story %s: %w", storyID, err)
		}

		// Relink the head to its predecessor's output if the link was
		// lost before it could be persisted.
		head := queue[0]
		if head.TaskType == domain.TaskTypeSequential &&
			head.PageNumber > 1 &&
			head.PreviousIllustrationPath == "" &&
			lastPage == head.PageNumber-1 {
			head.PreviousIllustrationPath = lastPath
			if err := m.store.UpdatePreviousIllustrationPath(ctx, head.ID, lastPath); err != nil {
				m.logger.Warn("failed to persist recovered reference link",
					"task_id", head.ID, "error", err)
			}
		}

		m.mu.Lock()
		st := &storyState{
			queue:         queue,
			hasGlobalRef:  hasRef,
			globalRefPath: refPath,
			lastReadyPage: lastPage,
			lastReadyPath: lastPath,
		}
		m.stories[storyID] = st
		for _, t := range queue {
			if t.PageID != nil {
				m.activeByPage[*t.PageID] = t.ID
			}
		}
		m.maybeDispatchLocked(ctx, st)
		m.mu.Unlock()
	}

	m.logger.Info("task recovery complete",
		"task_count", len(tasks),
		"story_count", len(storyOrder))
	return nil
}

// storyFacts derives a story's ordering facts from the durable record:
// whether it has a global reference task, the reference's output path if
// completed, and the highest completed page.
func (m *Manager) storyFacts(ctx context.Context, storyID uuid.UUID) (hasRef bool, refPath string, lastPage int, lastPath string, err error) {
	all, err := m.store.TasksForStory(ctx, storyID)
	if err != nil {
		return false, "", 0, "", err
	}
	for _, t := range all {
		if t.TaskType == domain.TaskTypeGlobalReference {
			hasRef = true
			if t.Status == domain.TaskStatusReady {
				refPath = t.IllustrationPath
			}
			continue
		}
		if t.Status == domain.TaskStatusReady && t.PageNumber > lastPage {
			lastPage = t.PageNumber
			lastPath = t.IllustrationPath
		}
	}
	return hasRef, refPath, lastPage, lastPath, nil
}

// maybeDispatchLocked admits the story's head task to the run queue when
// it is pending and its prerequisites are met. Callers must hold m.mu.
func (m *Manager) maybeDispatchLocked(ctx context.Context, st *storyState) {
	if st.dispatched || len(st.queue) == 0 {
		return
	}
	head := st.queue[0]
	if head.Status != domain.TaskStatusPending {
		return
	}
	if head.TaskType == domain.TaskTypeSequential {
		if st.hasGlobalRef && st.globalRefPath == "" {
			return
		}
		if head.PageNumber > 1 && st.lastReadyPage != head.PageNumber-1 {
			return
		}
	}

	if err := m.queue.Enqueue(head); err != nil {
		logger.FromContext(ctx).Error("failed to admit task to run queue",
			"task_id", head.ID, "error", err)
		return
	}
	st.dispatched = true
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	log := m.logger.With("worker_id", id)
	log.Debug("worker started")
	for {
		select {
		case <-m.ctx.Done():
			log.Debug("worker stopping")
			return
		case t, ok := <-m.queue.Chan():
			if !ok {
				log.Debug("run queue closed, worker exiting")
				return
			}
			m.process(t, log)
		}
	}
}

// process executes one generation attempt for a task.
func (m *Manager) process(t *domain.IllustrationTask, log *slog.Logger) {
	log = log.With("task_id", t.ID, "story_id", t.StoryID, "task_type", t.TaskType)
	ctx := logger.WithLogger(m.ctx, log)

	if m.taskDiscarded(t.ID) {
		m.finalizeCancelled(ctx, t)
		return
	}

	if err := m.store.UpdateStatus(ctx, t.ID, domain.TaskStatusInProgress, ""); err != nil {
		log.Error("failed to mark task in progress", "error", err)
		return
	}
	t.Status = domain.TaskStatusInProgress
	m.emit(ctx, t)

	attempt, err := m.store.IncrementAttempt(ctx, t.ID)
	if err != nil {
		log.Error("failed to record attempt", "error", err)
		attempt = t.AttemptCount + 1
	}
	t.AttemptCount = attempt
	log.Info("executing task", "attempt", attempt, "page_number", t.PageNumber)

	refs, err := m.referenceImages(ctx, t)
	var relPath string
	if err == nil {
		relPath, err = m.client.Generate(ctx, t.PromptDescription, refs)
	}

	// The story may have been cancelled while the API call was running;
	// the result of an already-issued call is discarded, never stored.
	if m.taskDiscarded(t.ID) {
		log.Info("story cancelled during generation, discarding result")
		m.finalizeCancelled(ctx, t)
		return
	}

	if err != nil {
		m.handleFailure(ctx, t, err)
		return
	}
	m.handleSuccess(ctx, t, relPath)
}

// referenceImages assembles the conditioning images for a sequential
// task: the story's global reference, when one has completed, plus the
// previous page's illustration.
func (m *Manager) referenceImages(ctx context.Context, t *domain.IllustrationTask) ([][]byte, error) {
	if t.TaskType == domain.TaskTypeGlobalReference {
		return nil, nil
	}

	m.mu.Lock()
	var refPath string
	if st, ok := m.stories[t.StoryID]; ok {
		refPath = st.globalRefPath
	}
	m.mu.Unlock()

	if refPath == "" {
		ref, err := m.store.CompletedGlobalReference(ctx, t.StoryID)
		switch {
		case err == nil:
			refPath = ref.IllustrationPath
		case store.IsNotFoundError(err):
			// Story has no completed reference; proceed without one.
		default:
			return nil, fmt.Errorf("looking up global reference: %w", err)
		}
	}

	var refs [][]byte
	if refPath != "" {
		data, err := m.client.ReadImage(refPath)
		if err != nil {
			return nil, fmt.Errorf("reading global reference image: %w", err)
		}
		refs = append(refs, data)
	}
	if t.PreviousIllustrationPath != "" {
		data, err := m.client.ReadImage(t.PreviousIllustrationPath)
		if err != nil {
			return nil, fmt.Errorf("reading previous illustration: %w", err)
		}
		refs = append(refs, data)
	}
	return refs, nil
}

func (m *Manager) handleSuccess(ctx context.Context, t *domain.IllustrationTask, relPath string) {
	log := logger.FromContext(ctx)
	if err := m.store.UpdateIllustrationPath(ctx, t.ID, relPath); err != nil {
		// The image is on disk but the completion was not recorded; fail
		// the attempt so the retry path can reconcile.
		m.handleFailure(ctx, t, fmt.Errorf("%w: recording illustration path: %v", ErrStorageUpdate, err))
		return
	}
	t.Status = domain.TaskStatusReady
	t.IllustrationPath = relPath
	t.LastError = ""
	m.emit(ctx, t)
	log.Info("task completed", "attempt", t.AttemptCount, "illustration_path", relPath)

	m.mu.Lock()
	if t.PageID != nil && m.activeByPage[*t.PageID] == t.ID {
		delete(m.activeByPage, *t.PageID)
	}
	var next *domain.IllustrationTask
	st, ok := m.stories[t.StoryID]
	// Only the state that dispatched this task gets advanced; a state
	// created by a later resubmission of the story is not ours to touch.
	if ok && st.dispatched && len(st.queue) > 0 && st.queue[0].ID == t.ID {
		st.dispatched = false
		st.queue = st.queue[1:]
		if t.TaskType == domain.TaskTypeGlobalReference {
			st.globalRefPath = relPath
		} else {
			st.lastReadyPage = t.PageNumber
			st.lastReadyPath = relPath
		}
		if len(st.queue) == 0 {
			delete(m.stories, t.StoryID)
			st = nil
		} else if t.TaskType == domain.TaskTypeSequential {
			head := st.queue[0]
			if head.TaskType == domain.TaskTypeSequential && head.PreviousIllustrationPath == "" {
				head.PreviousIllustrationPath = relPath
				next = head
			}
		}
	} else {
		st = nil
	}
	m.mu.Unlock()

	if next != nil {
		if err := m.store.UpdatePreviousIllustrationPath(ctx, next.ID, relPath); err != nil {
			log.Warn("failed to persist reference link", "task_id", next.ID, "error", err)
		}
	}

	if st != nil {
		m.mu.Lock()
		m.maybeDispatchLocked(ctx, st)
		m.mu.Unlock()
	}
}

func (m *Manager) handleFailure(ctx context.Context, t *domain.IllustrationTask, genErr error) {
	log := logger.FromContext(ctx)
	msg := redact.Error(genErr)

	retryable := m.classify(genErr) || errors.Is(genErr, ErrStorageUpdate)
	if retryable && t.AttemptCount < m.cfg.MaxAttempts {
		if err := m.store.UpdateStatus(ctx, t.ID, domain.TaskStatusPending, msg); err != nil {
			log.Error("failed to reset task for retry", "error", err)
			return
		}
		t.Status = domain.TaskStatusPending
		t.LastError = msg
		m.emit(ctx, t)

		delay := m.backoff.delay(t.AttemptCount)
		log.Warn("task attempt failed, retry scheduled",
			"attempt", t.AttemptCount,
			"max_attempts", m.cfg.MaxAttempts,
			"retry_delay", delay,
			"error", msg)
		time.AfterFunc(delay, func() {
			if err := m.queue.Enqueue(t); err != nil {
				m.logger.Warn("could not requeue task for retry, leaving for recovery",
					"task_id", t.ID, "error", err)
			}
		})
		return
	}

	if err := m.store.UpdateStatus(ctx, t.ID, domain.TaskStatusFailed, msg); err != nil {
		log.Error("failed to mark task failed", "error", err)
		return
	}
	t.Status = domain.TaskStatusFailed
	t.LastError = msg
	m.emit(ctx, t)
	log.Error("task failed permanently",
		"attempt", t.AttemptCount,
		"max_attempts", m.cfg.MaxAttempts,
		"error", msg)

	m.mu.Lock()
	if t.PageID != nil && m.activeByPage[*t.PageID] == t.ID {
		delete(m.activeByPage, *t.PageID)
	}
	if st, ok := m.stories[t.StoryID]; ok && st.dispatched && len(st.queue) > 0 && st.queue[0].ID == t.ID {
		// The failed head stays queued and blocks the story until it is
		// retried or the story is cancelled.
		st.dispatched = false
	}
	m.mu.Unlock()
}

// finalizeCancelled records the cancellation of a task that was already
// dispatched when its story was cancelled, and releases its condemned
// mark. Any story state found for the task's story belongs to a later
// resubmission and is only touched if it still holds this exact task.
func (m *Manager) finalizeCancelled(ctx context.Context, t *domain.IllustrationTask) {
	if t.Status != domain.TaskStatusCancelled {
		if err := m.store.UpdateStatus(ctx, t.ID, domain.TaskStatusCancelled, ""); err != nil {
			logger.FromContext(ctx).Error("failed to mark task cancelled", "task_id", t.ID, "error", err)
			return
		}
		t.Status = domain.TaskStatusCancelled
		m.emit(ctx, t)
	}
	m.mu.Lock()
	delete(m.discard, t.ID)
	if t.PageID != nil && m.activeByPage[*t.PageID] == t.ID {
		delete(m.activeByPage, *t.PageID)
	}
	if st, ok := m.stories[t.StoryID]; ok && len(st.queue) > 0 && st.queue[0].ID == t.ID {
		delete(m.stories, t.StoryID)
	}
	m.mu.Unlock()
}

func (m *Manager) taskDiscarded(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.discard[taskID]
	return ok
}

func (m *Manager) emit(ctx context.Context, t *domain.IllustrationTask) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.EmitEvent(ctx, events.NewStatusEvent(t)); err != nil {
		logger.FromContext(ctx).Warn("status event delivery failed", "task_id", t.ID, "error", err)
	}
}

// needsGlobalReference decides whether a story's sequence starts with a
// global reference task. Collection membership makes the collection's
// consistency flag authoritative; standalone stories get a reference
// whenever they carry any visual context to anchor.
func needsGlobalReference(spec StorySpec) bool {
	if spec.Collection != nil {
		return spec.Collection.RequiresCharacterConsistency
	}
	return !spec.VisualContext.IsEmpty()
}
