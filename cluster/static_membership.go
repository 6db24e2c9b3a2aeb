package cluster

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// StaticMembership is a Membership over a fixed list of configured members. Members are brought up and down by
// MarkAlive and MarkDead, usually driven by the remoting health checker. The ring and the join order are both the
// configured order.
type StaticMembership struct {
	lock       sync.RWMutex
	local      Address
	configured []Member
	alive      map[Address]bool
	listeners  []MembershipListener
}

func NewStaticMembership(local Address, memberAddresses []string, liteAddresses []string) *StaticMembership {
	lite := make(map[string]struct{}, len(liteAddresses))
	for _, address := range liteAddresses {
		lite[address] = struct{}{}
	}
	members := make([]Member, len(memberAddresses))
	for i, address := range memberAddresses {
		_, isLite := lite[address]
		members[i] = Member{Address: address, Storage: !isLite}
	}
	return &StaticMembership{
		local:      local,
		configured: members,
		alive:      map[Address]bool{local: true},
	}
}

func (s *StaticMembership) LocalAddress() Address {
	return s.local
}

func (s *StaticMembership) Members() []Member {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var members []Member
	for _, member := range s.configured {
		if s.alive[member.Address] {
			members = append(members, member)
		}
	}
	return members
}

func (s *StaticMembership) Member(address Address) (Member, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if !s.alive[address] {
		return Member{}, false
	}
	index := s.ringIndex(address)
	if index == -1 {
		return Member{}, false
	}
	return s.configured[index], true
}

func (s *StaticMembership) Master() (Address, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, member := range s.configured {
		if s.alive[member.Address] {
			return member.Address, true
		}
	}
	return "", false
}

func (s *StaticMembership) IsMaster() bool {
	master, ok := s.Master()
	return ok && master == s.local
}

func (s *StaticMembership) IsStorage(address Address) bool {
	member, ok := s.Member(address)
	return ok && member.Storage
}

func (s *StaticMembership) ringIndex(address Address) int {
	for i, member := range s.configured {
		if member.Address == address {
			return i
		}
	}
	return -1
}

func (s *StaticMembership) isLiveStorage(address Address) bool {
	if !s.alive[address] {
		return false
	}
	index := s.ringIndex(address)
	return index != -1 && s.configured[index].Storage
}

func (s *StaticMembership) Distance(from Address, to Address) int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if !s.isLiveStorage(from) || !s.isLiveStorage(to) {
		return -1
	}
	start := s.ringIndex(from)
	distance := 0
	for i := 0; i < len(s.configured); i++ {
		member := s.configured[(start+i)%len(s.configured)]
		if member.Address == to {
			return distance
		}
		if s.alive[member.Address] && member.Storage {
			distance++
		}
	}
	return -1
}

func (s *StaticMembership) NextStorageMember(address Address) (Address, bool) {
	successors := s.Successors(address, 1)
	if len(successors) == 0 {
		return "", false
	}
	return successors[0], true
}

func (s *StaticMembership) Successors(address Address, n int) []Address {
	s.lock.RLock()
	defer s.lock.RUnlock()
	start := s.ringIndex(address)
	if start == -1 || n <= 0 {
		return nil
	}
	var successors []Address
	for i := 1; i < len(s.configured) && len(successors) < n; i++ {
		member := s.configured[(start+i)%len(s.configured)]
		if member.Storage && s.alive[member.Address] {
			successors = append(successors, member.Address)
		}
	}
	return successors
}

func (s *StaticMembership) AddMembershipListener(listener MembershipListener) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listeners = append(s.listeners, listener)
}

// MarkAlive brings a configured member up. Listeners are called outside the lock.
func (s *StaticMembership) MarkAlive(address Address) bool {
	member, listeners, changed := s.setAlive(address, true)
	if !changed {
		return false
	}
	log.Infof("member %s joined the cluster", address)
	for _, listener := range listeners {
		listener.MemberJoined(member)
	}
	return true
}

// MarkDead takes a configured member down. The local member can't be marked dead.
func (s *StaticMembership) MarkDead(address Address) bool {
	if address == s.local {
		return false
	}
	member, listeners, changed := s.setAlive(address, false)
	if !changed {
		return false
	}
	log.Warnf("member %s left the cluster", address)
	for _, listener := range listeners {
		listener.MemberDied(member)
	}
	return true
}

// AvailabilityChanged lets the remoting health checker drive membership.
func (s *StaticMembership) AvailabilityChanged(address string, available bool) {
	if available {
		s.MarkAlive(address)
	} else {
		s.MarkDead(address)
	}
}

func (s *StaticMembership) setAlive(address Address, alive bool) (Member, []MembershipListener, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	index := s.ringIndex(address)
	if index == -1 {
		log.Warnf("ignoring availability change for unknown member %s", address)
		return Member{}, nil, false
	}
	if s.alive[address] == alive {
		return Member{}, nil, false
	}
	s.alive[address] = alive
	listeners := make([]MembershipListener, len(s.listeners))
	copy(listeners, s.listeners)
	return s.configured[index], listeners, true
}
