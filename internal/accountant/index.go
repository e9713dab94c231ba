package accountant

import (
	"slices"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
)

type entry struct {
	task  domain.RetrieveURL
	state domain.TaskState
	since time.Time // last state change
	// claimedIP is the host whose processing counter this task holds while PROCESSING.
	claimedIP string
}

// orderedSet keeps insertion order with O(1) membership.
type orderedSet struct {
	ids []string
	has map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{has: make(map[string]struct{})}
}

func (s *orderedSet) add(id string) bool {
	if _, ok := s.has[id]; ok {
		return false
	}
	s.has[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

func (s *orderedSet) remove(id string) {
	if _, ok := s.has[id]; !ok {
		return
	}
	delete(s.has, id)
	if i := slices.Index(s.ids, id); i >= 0 {
		s.ids = slices.Delete(s.ids, i, i+1)
	}
}

func (s *orderedSet) len() int { return len(s.ids) }

// index is the accountant's state. Only the Run goroutine touches it.
type index struct {
	tasks      map[string]*entry
	jobs       map[string]*orderedSet
	ips        map[string]*orderedSet
	ipOf       map[string]string // task id -> bucket it sits in
	processing map[string]int
	paused     map[string]struct{}
}

func newIndex() *index {
	return &index{
		tasks:      make(map[string]*entry),
		jobs:       make(map[string]*orderedSet),
		ips:        make(map[string]*orderedSet),
		ipOf:       make(map[string]string),
		processing: make(map[string]int),
		paused:     make(map[string]struct{}),
	}
}

func (idx *index) addTask(id string, task domain.RetrieveURL, state domain.TaskState, now time.Time) bool {
	if _, ok := idx.tasks[id]; ok {
		return false
	}
	if state == "" {
		state = domain.TaskReady
	}
	task.ID = id
	idx.tasks[id] = &entry{task: copyRetrieveURL(task), state: state, since: now}
	return true
}

func (idx *index) addTasksToJob(jobID string, ids []string) {
	set, ok := idx.jobs[jobID]
	if !ok {
		set = newOrderedSet()
		idx.jobs[jobID] = set
	}
	for _, id := range ids {
		set.add(id)
	}
}

func (idx *index) addTasksToIP(ip string, ids []string) {
	bucket, ok := idx.ips[ip]
	if !ok {
		bucket = newOrderedSet()
		idx.ips[ip] = bucket
	}
	for _, id := range ids {
		if prev, ok := idx.ipOf[id]; ok && prev != ip {
			idx.dropFromBucket(prev, id)
		}
		bucket.add(id)
		idx.ipOf[id] = ip
	}
}

func (idx *index) dropFromBucket(ip, id string) {
	bucket, ok := idx.ips[ip]
	if !ok {
		return
	}
	bucket.remove(id)
	if bucket.len() == 0 && idx.processing[ip] == 0 {
		delete(idx.ips, ip)
		delete(idx.processing, ip)
	}
}

func (idx *index) tasksFromIP(ip string) []string {
	bucket, ok := idx.ips[ip]
	if !ok {
		return nil
	}
	return slices.Clone(bucket.ids)
}

func (idx *index) taskStatesPerJob(jobID string) []domain.TaskState {
	set, ok := idx.jobs[jobID]
	if !ok {
		return nil
	}
	states := make([]domain.TaskState, 0, set.len())
	for _, id := range set.ids {
		if e, ok := idx.tasks[id]; ok {
			states = append(states, e.state)
		}
	}
	return states
}

func (idx *index) completedJobs() []string {
	var out []string
	for jobID, set := range idx.jobs {
		if set.len() == 0 {
			continue
		}
		done := true
		for _, id := range set.ids {
			if e, ok := idx.tasks[id]; !ok || e.state != domain.TaskDone {
				done = false
				break
			}
		}
		if done {
			out = append(out, jobID)
		}
	}
	slices.Sort(out)
	return out
}

func (idx *index) dispatchable(e *entry) bool {
	if e.state != domain.TaskReady {
		return false
	}
	_, paused := idx.paused[e.task.JobID]
	return !paused
}

func (idx *index) claim(id, ip string, limit int, now time.Time) (domain.RetrieveURL, ClaimResult) {
	e, ok := idx.tasks[id]
	if !ok || !idx.dispatchable(e) {
		return domain.RetrieveURL{}, NotReady
	}
	if idx.processing[ip] >= limit {
		return domain.RetrieveURL{}, LimitReached
	}

	e.state = domain.TaskProcessing
	e.since = now
	e.claimedIP = ip
	idx.processing[ip]++
	return copyRetrieveURL(e.task), Claimed
}

// transition applies a task state change and keeps the per-host counters in step.
func (idx *index) transition(id string, next domain.TaskState, now time.Time) error {
	e, ok := idx.tasks[id]
	if !ok {
		return domain.ErrInvalidTransition
	}
	if !e.state.CanTransitionTo(next) {
		return domain.ErrInvalidTransition
	}
	if e.state == domain.TaskProcessing {
		idx.release(e)
	}
	e.state = next
	e.since = now
	return nil
}

func (idx *index) release(e *entry) {
	ip := e.claimedIP
	e.claimedIP = ""
	if idx.processing[ip] > 0 {
		idx.processing[ip]--
	}
	if idx.processing[ip] == 0 {
		delete(idx.processing, ip)
		if b, ok := idx.ips[ip]; ok && b.len() == 0 {
			delete(idx.ips, ip)
		}
	}
}

func (idx *index) resetTimedOut(cutoff, now time.Time) []string {
	var reset []string
	for id, e := range idx.tasks {
		if e.state == domain.TaskProcessing && e.since.Before(cutoff) {
			reset = append(reset, id)
		}
	}
	slices.Sort(reset)
	for _, id := range reset {
		_ = idx.transition(id, domain.TaskReady, now)
	}
	return reset
}

func (idx *index) percentageWithReadyTasks(candidateIPs []string) float64 {
	if len(candidateIPs) == 0 {
		return 0
	}
	withWork := 0
	for _, ip := range candidateIPs {
		bucket, ok := idx.ips[ip]
		if !ok {
			continue
		}
		for _, id := range bucket.ids {
			if e, ok := idx.tasks[id]; ok && idx.dispatchable(e) {
				withWork++
				break
			}
		}
	}
	return float64(withWork) * 100 / float64(len(candidateIPs))
}

func (idx *index) removeJob(jobID, ip string) {
	set, ok := idx.jobs[jobID]
	if ok {
		for _, id := range set.ids {
			if e, ok := idx.tasks[id]; ok {
				if e.state == domain.TaskProcessing {
					idx.release(e)
				}
				delete(idx.tasks, id)
			}
			if bucketIP, ok := idx.ipOf[id]; ok {
				delete(idx.ipOf, id)
				idx.dropFromBucket(bucketIP, id)
			}
		}
		delete(idx.jobs, jobID)
	}
	delete(idx.paused, jobID)

	if b, ok := idx.ips[ip]; ok && b.len() == 0 && idx.processing[ip] == 0 {
		delete(idx.ips, ip)
	}
}

func copyRetrieveURL(r domain.RetrieveURL) domain.RetrieveURL {
	r.SubTasks = slices.Clone(r.SubTasks)
	if r.Headers != nil {
		r.Headers = r.Headers.Clone()
	}
	return r
}
