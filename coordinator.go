package labsched

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Coordinator arbitrates cross-device synchronization for MultiNode jobs:
// named barriers every group member must reach, and role-addressed message
// mailboxes consumed by blocking receive. State is guarded per group so
// unrelated groups never contend; barrier and mailbox waits are the only
// suspension points of a dispatch unit and always honor the caller's context.
type Coordinator struct {
	mu     sync.Mutex
	groups map[string]*syncGroup
	store  Store
}

func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{
		groups: make(map[string]*syncGroup),
		store:  store,
	}
}

type syncGroup struct {
	mu        sync.Mutex
	binding   GroupBinding
	members   map[string]string // hostname -> role
	roleCount map[string]int
	size      int
	barriers  map[string]*barrier
	mailboxes map[string]*mailbox
	failed    map[string]struct{}
	// peerFailed is closed on the first role failure, done on teardown.
	peerFailed chan struct{}
	done       chan struct{}
}

type barrier struct {
	arrived  map[string]struct{}
	payloads map[string]any
	release  chan struct{}
	result   map[string]any
	err      error
}

type mailbox struct {
	queue  []map[string]any
	notify chan struct{}
}

func newBarrier() *barrier {
	return &barrier{
		arrived:  make(map[string]struct{}),
		payloads: make(map[string]any),
		release:  make(chan struct{}),
	}
}

// DeclareGroup creates the group record at scheduling time, visible to every
// member device's dispatch session.
func (c *Coordinator) DeclareGroup(ctx context.Context, binding GroupBinding) error {
	if binding.GroupID == "" {
		return errors.New("declare group: group id cannot be empty")
	}
	g := &syncGroup{
		binding:    binding,
		members:    make(map[string]string),
		roleCount:  make(map[string]int),
		barriers:   make(map[string]*barrier),
		mailboxes:  make(map[string]*mailbox),
		failed:     make(map[string]struct{}),
		peerFailed: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for role, hosts := range binding.Roles {
		g.roleCount[role] = len(hosts)
		g.size += len(hosts)
		for _, h := range hosts {
			g.members[h] = role
		}
	}
	if g.size == 0 {
		return errors.Errorf("declare group %s: no members", binding.GroupID)
	}

	c.mu.Lock()
	if _, exists := c.groups[binding.GroupID]; exists {
		c.mu.Unlock()
		return errors.Errorf("declare group %s: already declared", binding.GroupID)
	}
	c.groups[binding.GroupID] = g
	c.mu.Unlock()

	log.Info().Str("group_id", binding.GroupID).Int("size", g.size).Msg("multinode group declared")
	if c.store != nil {
		if err := c.store.SaveGroup(ctx, binding); err != nil {
			return errors.Wrapf(err, "persist group %s", binding.GroupID)
		}
	}
	return nil
}

func (c *Coordinator) group(groupID string) (*syncGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGroup, "group %s", groupID)
	}
	return g, nil
}

// payloadKey decides how an arrival's payload is keyed in the merged barrier
// result: by role, or role/hostname when the role spans several devices so
// payloads never clobber each other.
func (g *syncGroup) payloadKey(role, hostname string) string {
	if g.roleCount[role] > 1 {
		return role + "/" + hostname
	}
	return role
}

// WaitBarrier blocks the calling pipeline at the named sync point until every
// group member has arrived, the context expires, a peer fails, or the group is
// torn down. On release every waiter receives the same merged payload map; the
// merge is commutative so arrival order never changes the result. A timeout
// discards the barrier for all waiters.
func (c *Coordinator) WaitBarrier(ctx context.Context, groupID, syncID, role, hostname string, payload map[string]any) (map[string]any, error) {
	if syncID == "" {
		return nil, errors.New("wait barrier: sync id cannot be empty")
	}
	g, err := c.group(groupID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.members[hostname] != role {
		g.mu.Unlock()
		return nil, errors.Errorf("wait barrier: %s is not a member of group %s with role %s", hostname, groupID, role)
	}
	if len(g.failed) > 0 {
		g.mu.Unlock()
		return nil, errors.Wrapf(ErrPeerFailed, "group %s", groupID)
	}
	b, ok := g.barriers[syncID]
	if !ok {
		b = newBarrier()
		g.barriers[syncID] = b
	}
	if _, dup := b.arrived[hostname]; !dup {
		b.arrived[hostname] = struct{}{}
		if payload != nil {
			b.payloads[g.payloadKey(role, hostname)] = payload
		}
	}
	if len(b.arrived) == g.size {
		b.result = make(map[string]any, len(b.payloads))
		for k, v := range b.payloads {
			b.result[k] = v
		}
		close(b.release)
		delete(g.barriers, syncID)
		result := b.result
		g.mu.Unlock()
		log.Debug().Str("group_id", groupID).Str("sync_id", syncID).Msg("barrier released")
		return result, nil
	}
	g.mu.Unlock()

	select {
	case <-b.release:
		return b.result, b.err
	case <-g.peerFailed:
		return nil, errors.Wrapf(ErrPeerFailed, "group %s sync %s", groupID, syncID)
	case <-g.done:
		return nil, errors.Wrapf(ErrCanceled, "group %s sync %s", groupID, syncID)
	case <-ctx.Done():
		return nil, c.expireBarrier(g, syncID, b)
	}
}

// expireBarrier fails a barrier on the first waiter's timeout: every other
// waiter sees ErrTimeout and the barrier is discarded. If the barrier released
// concurrently the timeout loses and the result stands.
func (c *Coordinator) expireBarrier(g *syncGroup, syncID string, b *barrier) error {
	g.mu.Lock()
	select {
	case <-b.release:
		g.mu.Unlock()
		return b.err
	default:
	}
	b.err = errors.Wrapf(ErrTimeout, "barrier %s", syncID)
	close(b.release)
	if g.barriers[syncID] == b {
		delete(g.barriers, syncID)
	}
	g.mu.Unlock()
	log.Warn().Str("group_id", g.binding.GroupID).Str("sync_id", syncID).Msg("barrier timed out")
	return b.err
}

// SendMessage publishes a payload to the mailboxes of every target role. It
// never blocks on recipients: the payload is retained until each recipient has
// consumed it at least once or the job ends. An empty toRoles addresses every
// role except the sender.
func (c *Coordinator) SendMessage(ctx context.Context, groupID, messageID, fromRole string, toRoles []string, payload map[string]any) error {
	if messageID == "" {
		return errors.New("send message: message id cannot be empty")
	}
	g, err := c.group(groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if _, ok := g.roleCount[fromRole]; !ok {
		g.mu.Unlock()
		return errors.Errorf("send message: role %s is not in group %s", fromRole, groupID)
	}
	if len(toRoles) == 0 {
		for role := range g.roleCount {
			if role != fromRole {
				toRoles = append(toRoles, role)
			}
		}
	}
	for _, role := range toRoles {
		if _, ok := g.roleCount[role]; !ok {
			g.mu.Unlock()
			return errors.Errorf("send message: recipient role %s is not in group %s", role, groupID)
		}
	}
	for _, role := range toRoles {
		key := messageID + "\x00" + role
		mb, ok := g.mailboxes[key]
		if !ok {
			mb = &mailbox{notify: make(chan struct{}, 1)}
			g.mailboxes[key] = mb
		}
		mb.queue = append(mb.queue, payload)
		select {
		case mb.notify <- struct{}{}:
		default:
		}
	}
	g.mu.Unlock()

	log.Debug().
		Str("group_id", groupID).
		Str("message_id", messageID).
		Str("from_role", fromRole).
		Strs("to_roles", toRoles).
		Msg("message sent")
	if c.store != nil {
		for _, role := range toRoles {
			rec := MessageRecord{
				GroupID:   groupID,
				MessageID: messageID,
				FromRole:  fromRole,
				ToRole:    role,
				Payload:   payload,
				SentAt:    time.Now(),
			}
			if err := c.store.SaveMessage(ctx, rec); err != nil {
				return errors.Wrapf(err, "persist message %s", messageID)
			}
		}
	}
	return nil
}

// ReceiveMessage blocks until a payload addressed to the role under messageID
// exists, the context expires, a peer fails, or the group ends. Each send is
// delivered exactly once per recipient role.
func (c *Coordinator) ReceiveMessage(ctx context.Context, groupID, messageID, role string) (map[string]any, error) {
	g, err := c.group(groupID)
	if err != nil {
		return nil, err
	}
	key := messageID + "\x00" + role

	for {
		g.mu.Lock()
		if _, ok := g.roleCount[role]; !ok {
			g.mu.Unlock()
			return nil, errors.Errorf("receive message: role %s is not in group %s", role, groupID)
		}
		mb, ok := g.mailboxes[key]
		if !ok {
			mb = &mailbox{notify: make(chan struct{}, 1)}
			g.mailboxes[key] = mb
		}
		if len(mb.queue) > 0 {
			payload := mb.queue[0]
			mb.queue = mb.queue[1:]
			g.mu.Unlock()
			if c.store != nil {
				if err := c.store.ConsumeMessage(ctx, groupID, messageID, role); err != nil {
					log.Error().Err(err).Str("message_id", messageID).Msg("consume persisted message failed")
				}
			}
			return payload, nil
		}
		if len(g.failed) > 0 {
			g.mu.Unlock()
			return nil, errors.Wrapf(ErrPeerFailed, "group %s message %s", groupID, messageID)
		}
		g.mu.Unlock()

		select {
		case <-mb.notify:
			// Payload may already have been taken by a sibling device of the
			// same role; loop and re-check the queue.
		case <-g.peerFailed:
			return nil, errors.Wrapf(ErrPeerFailed, "group %s message %s", groupID, messageID)
		case <-g.done:
			return nil, errors.Wrapf(ErrCanceled, "group %s message %s", groupID, messageID)
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrTimeout, "message %s for role %s", messageID, role)
		}
	}
}

// Binding returns the declared binding for a live group.
func (c *Coordinator) Binding(groupID string) (GroupBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return GroupBinding{}, false
	}
	return g.binding, true
}

// RoleFailed marks a member role's job as Incomplete and unblocks every
// caller waiting on the group with ErrPeerFailed, strictly ahead of any
// pending timeout.
func (c *Coordinator) RoleFailed(groupID, role string) {
	g, err := c.group(groupID)
	if err != nil {
		return
	}
	g.mu.Lock()
	first := len(g.failed) == 0
	g.failed[role] = struct{}{}
	for syncID, b := range g.barriers {
		b.err = errors.Wrapf(ErrPeerFailed, "role %s in group %s", role, groupID)
		close(b.release)
		delete(g.barriers, syncID)
	}
	if first {
		close(g.peerFailed)
	}
	g.mu.Unlock()
	log.Warn().Str("group_id", groupID).Str("role", role).Msg("multinode peer failed")
}

// Teardown discards the group once every member job is terminal. Pending
// barriers and mailboxes are dropped and blocked callers receive ErrCanceled.
func (c *Coordinator) Teardown(ctx context.Context, groupID string) {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if ok {
		delete(c.groups, groupID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	for syncID, b := range g.barriers {
		b.err = errors.Wrapf(ErrCanceled, "group %s", groupID)
		close(b.release)
		delete(g.barriers, syncID)
	}
	g.mailboxes = make(map[string]*mailbox)
	close(g.done)
	g.mu.Unlock()

	log.Info().Str("group_id", groupID).Msg("multinode group torn down")
	if c.store != nil {
		if err := c.store.DeleteMessages(ctx, groupID); err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("delete persisted messages failed")
		}
		if err := c.store.DeleteGroup(ctx, groupID); err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("delete persisted group failed")
		}
	}
}

// restoreGroup re-declares a group from persisted state without rewriting it.
func (c *Coordinator) restoreGroup(binding GroupBinding) error {
	saved := c.store
	c.store = nil
	err := c.DeclareGroup(context.Background(), binding)
	c.store = saved
	return err
}

// restoreMessage re-queues a persisted, unconsumed message after a restart.
func (c *Coordinator) restoreMessage(rec MessageRecord) error {
	g, err := c.group(rec.GroupID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	key := rec.MessageID + "\x00" + rec.ToRole
	mb, ok := g.mailboxes[key]
	if !ok {
		mb = &mailbox{notify: make(chan struct{}, 1)}
		g.mailboxes[key] = mb
	}
	mb.queue = append(mb.queue, rec.Payload)
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	g.mu.Unlock()
	return nil
}
