package remoting

// ClusterTransport sends messages to other members.
type ClusterTransport interface {
	// SendOneWay sends the message to each address without waiting for a response. Delivery is best effort.
	SendOneWay(msg ClusterMessage, addresses ...string)

	SendRPC(msg ClusterMessage, address string) (ClusterMessage, error)
}

// TCPTransport is the ClusterTransport used between real members.
type TCPTransport struct {
	client *Client
}

var _ ClusterTransport = &TCPTransport{}

func NewTCPTransport(client *Client) *TCPTransport {
	return &TCPTransport{client: client}
}

func (t *TCPTransport) SendOneWay(msg ClusterMessage, addresses ...string) {
	t.client.BroadcastOneWay(msg, addresses...)
}

func (t *TCPTransport) SendRPC(msg ClusterMessage, address string) (ClusterMessage, error) {
	return t.client.SendRPC(msg, address)
}

func (t *TCPTransport) Stop() {
	t.client.Stop()
}
