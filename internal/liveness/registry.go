package liveness

import (
	"sync"
)

// Subscription identifies a single Watch call.
type Subscription uint64

// Watcher is the capability consumed by query coordinators and groups.
type Watcher[S comparable] interface {
	// Watch subscribes to the termination of subject. onTerminated is called
	// at most once, from the goroutine that observed the termination, and
	// must not block. Watching an already dead subject notifies immediately.
	Watch(subject S, onTerminated func(S)) Subscription
	// Unwatch cancels a subscription. Unknown or already consumed
	// subscriptions are ignored.
	Unwatch(sub Subscription)
}

type watch[S comparable] struct {
	subject      S
	onTerminated func(S)
}

// Registry is an in-process Watcher fed by MarkDead.
// Thread-safe: all methods may be called concurrently.
type Registry[S comparable] struct {
	mu        sync.Mutex
	nextID    Subscription
	watches   map[Subscription]watch[S]
	bySubject map[S]map[Subscription]struct{}
	dead      map[S]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry[S comparable]() *Registry[S] {
	return &Registry[S]{
		watches:   make(map[Subscription]watch[S]),
		bySubject: make(map[S]map[Subscription]struct{}),
		dead:      make(map[S]struct{}),
	}
}

// Watch implements Watcher.
func (r *Registry[S]) Watch(subject S, onTerminated func(S)) Subscription {
	r.mu.Lock()
	r.nextID++
	sub := r.nextID
	if _, isDead := r.dead[subject]; isDead {
		r.mu.Unlock()
		onTerminated(subject)
		return sub
	}

	r.watches[sub] = watch[S]{subject: subject, onTerminated: onTerminated}
	subs, ok := r.bySubject[subject]
	if !ok {
		subs = make(map[Subscription]struct{})
		r.bySubject[subject] = subs
	}
	subs[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Unwatch implements Watcher.
func (r *Registry[S]) Unwatch(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[sub]
	if !ok {
		return
	}
	delete(r.watches, sub)
	if subs, ok := r.bySubject[w.subject]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.bySubject, w.subject)
		}
	}
}

// MarkDead records that subject terminated and notifies every live
// subscription on it. It returns the number of notifications delivered.
// Marking a subject dead twice notifies nobody the second time.
func (r *Registry[S]) MarkDead(subject S) int {
	r.mu.Lock()
	if _, isDead := r.dead[subject]; isDead {
		r.mu.Unlock()
		return 0
	}
	r.dead[subject] = struct{}{}

	subs := r.bySubject[subject]
	delete(r.bySubject, subject)
	notify := make([]func(S), 0, len(subs))
	for sub := range subs {
		notify = append(notify, r.watches[sub].onTerminated)
		delete(r.watches, sub)
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn(subject)
	}
	return len(notify)
}

// IsDead reports whether subject was marked dead and not forgotten since.
func (r *Registry[S]) IsDead(subject S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, isDead := r.dead[subject]
	return isDead
}

// Forget drops the tombstone of a dead subject. Subjects that are never
// reused can be forgotten once nothing will watch them again.
func (r *Registry[S]) Forget(subject S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dead, subject)
}

// Watching returns the number of live subscriptions on subject.
func (r *Registry[S]) Watching(subject S) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySubject[subject])
}
