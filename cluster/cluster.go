package cluster

// Address is the cluster address of a member, host:port.
type Address = string

type Member struct {
	Address Address
	// Storage is false for lite members, which hold no records and never own partitions.
	Storage bool
}

// Membership is the view of the cluster held by the local node. Members is ordered by join order and is the same on
// every node, so every node agrees on which member is the master.
type Membership interface {
	LocalAddress() Address

	// Members returns the live members in join order.
	Members() []Member

	Member(address Address) (Member, bool)

	IsMaster() bool

	Master() (Address, bool)

	IsStorage(address Address) bool

	// Distance is the number of storage members on the ring from from to to, or -1 if either is not a live storage
	// member.
	Distance(from Address, to Address) int

	// NextStorageMember is the first live storage member following address on the ring. address itself need not be
	// alive. Returns false if there is no other live storage member.
	NextStorageMember(address Address) (Address, bool)

	// Successors returns up to n live storage members following address on the ring, nearest first.
	Successors(address Address, n int) []Address

	AddMembershipListener(listener MembershipListener)
}

type MembershipListener interface {
	MemberJoined(member Member)
	MemberDied(member Member)
}
