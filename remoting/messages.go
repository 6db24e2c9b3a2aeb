package remoting

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/squareup/blockmgr/errors"
)

// ClusterMessage is a message sent between members.
// ClusterMessage protos live in protos/squareup/cash/blockmgr/v1/clustermsgs.proto, bodies are encoded with protowire.
type ClusterMessage interface {
	Marshal(buff []byte) []byte
	Unmarshal(buff []byte) error
}

type ClusterMessageType int32

const (
	ClusterMessageTypeUnknown ClusterMessageType = iota + 1
	ClusterMessageTableUpdate
	ClusterMessagePartitionCompletion
	ClusterMessageRecordTransfer
	ClusterMessageRecordBackup
	ClusterMessageInitialState
	ClusterMessageRemotingTestMessage
)

func TypeForClusterMessage(clusterMessage ClusterMessage) ClusterMessageType {
	switch clusterMessage.(type) {
	case *TableUpdate:
		return ClusterMessageTableUpdate
	case *PartitionCompletion:
		return ClusterMessagePartitionCompletion
	case *RecordTransfer:
		return ClusterMessageRecordTransfer
	case *RecordBackup:
		return ClusterMessageRecordBackup
	case *InitialState:
		return ClusterMessageInitialState
	case *RemotingTestMessage:
		return ClusterMessageRemotingTestMessage
	default:
		return ClusterMessageTypeUnknown
	}
}

func DeserializeClusterMessage(data []byte) (ClusterMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	nt, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, errors.WithStack(protowire.ParseError(n))
	}
	var msg ClusterMessage
	switch ClusterMessageType(nt) {
	case ClusterMessageTableUpdate:
		msg = &TableUpdate{}
	case ClusterMessagePartitionCompletion:
		msg = &PartitionCompletion{}
	case ClusterMessageRecordTransfer:
		msg = &RecordTransfer{}
	case ClusterMessageRecordBackup:
		msg = &RecordBackup{}
	case ClusterMessageInitialState:
		msg = &InitialState{}
	case ClusterMessageRemotingTestMessage:
		msg = &RemotingTestMessage{}
	default:
		return nil, errors.Errorf("invalid cluster message type %d", nt)
	}
	return msg, msg.Unmarshal(data[n:])
}

func serializeClusterMessage(clusterMessage ClusterMessage) ([]byte, error) {
	nt := TypeForClusterMessage(clusterMessage)
	if nt == ClusterMessageTypeUnknown {
		return nil, errors.Errorf("invalid cluster message type %T", clusterMessage)
	}
	buff := protowire.AppendVarint(nil, uint64(nt))
	return clusterMessage.Marshal(buff), nil
}

// PartitionInfo is the wire form of one partition table entry.
type PartitionInfo struct {
	PartitionID     int32
	Owner           string
	Migrating       bool
	MigrationTarget string
}

func (p *PartitionInfo) Marshal(buff []byte) []byte {
	buff = appendVarintField(buff, 1, uint64(p.PartitionID))
	buff = appendStringField(buff, 2, p.Owner)
	buff = appendVarintField(buff, 3, protowire.EncodeBool(p.Migrating))
	return appendStringField(buff, 4, p.MigrationTarget)
}

func (p *PartitionInfo) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			p.PartitionID = int32(v)
		case 2:
			p.Owner = string(b)
		case 3:
			p.Migrating = protowire.DecodeBool(v)
		case 4:
			p.MigrationTarget = string(b)
		}
		return nil
	})
}

// TableUpdate carries the whole partition table, in partition id order.
type TableUpdate struct {
	Sender     string
	Partitions []PartitionInfo
}

func (t *TableUpdate) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, t.Sender)
	for i := range t.Partitions {
		buff = appendMessageField(buff, 2, &t.Partitions[i])
	}
	return buff
}

func (t *TableUpdate) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			t.Sender = string(b)
		case 2:
			var p PartitionInfo
			if err := p.Unmarshal(b); err != nil {
				return err
			}
			t.Partitions = append(t.Partitions, p)
		}
		return nil
	})
}

// PartitionCompletion announces that the migration of a single partition has finished.
type PartitionCompletion struct {
	Sender    string
	Partition PartitionInfo
}

func (p *PartitionCompletion) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, p.Sender)
	return appendMessageField(buff, 2, &p.Partition)
}

func (p *PartitionCompletion) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			p.Sender = string(b)
		case 2:
			return p.Partition.Unmarshal(b)
		}
		return nil
	})
}

type RecordData struct {
	MapName    string
	Key        []byte
	Value      []byte
	Indexes    []int64
	IndexTypes []byte
}

func (r *RecordData) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, r.MapName)
	buff = appendBytesField(buff, 2, r.Key)
	buff = appendBytesField(buff, 3, r.Value)
	for _, index := range r.Indexes {
		// repeated, so zero values are written too
		buff = protowire.AppendTag(buff, 4, protowire.VarintType)
		buff = protowire.AppendVarint(buff, protowire.EncodeZigZag(index))
	}
	return appendBytesField(buff, 5, r.IndexTypes)
}

func (r *RecordData) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			r.MapName = string(b)
		case 2:
			r.Key = append([]byte(nil), b...)
		case 3:
			r.Value = append([]byte(nil), b...)
		case 4:
			if b == nil {
				r.Indexes = append(r.Indexes, protowire.DecodeZigZag(v))
				return nil
			}
			// packed
			for len(b) > 0 {
				index, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return errors.WithStack(protowire.ParseError(n))
				}
				r.Indexes = append(r.Indexes, protowire.DecodeZigZag(index))
				b = b[n:]
			}
		case 5:
			r.IndexTypes = append([]byte(nil), b...)
		}
		return nil
	})
}

// RecordTransfer moves an owned record to the new owner of its partition.
type RecordTransfer struct {
	Sender string
	Record RecordData
}

func (r *RecordTransfer) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, r.Sender)
	return appendMessageField(buff, 2, &r.Record)
}

func (r *RecordTransfer) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			r.Sender = string(b)
		case 2:
			return r.Record.Unmarshal(b)
		}
		return nil
	})
}

// RecordBackup pushes a copy of an owned record to a backup member.
type RecordBackup struct {
	Sender string
	Record RecordData
}

func (r *RecordBackup) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, r.Sender)
	return appendMessageField(buff, 2, &r.Record)
}

func (r *RecordBackup) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			r.Sender = string(b)
		case 2:
			return r.Record.Unmarshal(b)
		}
		return nil
	})
}

type MapState struct {
	Name        string
	BackupCount int32
}

func (m *MapState) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, m.Name)
	return appendVarintField(buff, 2, uint64(m.BackupCount))
}

func (m *MapState) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			m.Name = string(b)
		case 2:
			m.BackupCount = int32(v)
		}
		return nil
	})
}

// InitialState is sent to members when the cluster membership changes, so they know about every map.
type InitialState struct {
	Sender string
	Maps   []MapState
}

func (s *InitialState) Marshal(buff []byte) []byte {
	buff = appendStringField(buff, 1, s.Sender)
	for i := range s.Maps {
		buff = appendMessageField(buff, 2, &s.Maps[i])
	}
	return buff
}

func (s *InitialState) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			s.Sender = string(b)
		case 2:
			var m MapState
			if err := m.Unmarshal(b); err != nil {
				return err
			}
			s.Maps = append(s.Maps, m)
		}
		return nil
	})
}

// RemotingTestMessage is only used in tests of the transport itself.
type RemotingTestMessage struct {
	SomeField string
}

func (r *RemotingTestMessage) Marshal(buff []byte) []byte {
	return appendStringField(buff, 1, r.SomeField)
}

func (r *RemotingTestMessage) Unmarshal(buff []byte) error {
	return consumeFields(buff, func(num protowire.Number, v uint64, b []byte) error {
		if num == 1 {
			r.SomeField = string(b)
		}
		return nil
	})
}

func appendVarintField(buff []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.VarintType)
	return protowire.AppendVarint(buff, v)
}

func appendStringField(buff []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.BytesType)
	return protowire.AppendString(buff, s)
}

func appendBytesField(buff []byte, num protowire.Number, b []byte) []byte {
	if len(b) == 0 {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.BytesType)
	return protowire.AppendBytes(buff, b)
}

func appendMessageField(buff []byte, num protowire.Number, msg ClusterMessage) []byte {
	buff = protowire.AppendTag(buff, num, protowire.BytesType)
	return protowire.AppendBytes(buff, msg.Marshal(nil))
}

// consumeFields calls visit for every varint and length delimited field. Fields of other wire types are skipped.
func consumeFields(buff []byte, visit func(num protowire.Number, v uint64, b []byte) error) error {
	for len(buff) > 0 {
		num, typ, n := protowire.ConsumeTag(buff)
		if n < 0 {
			return errors.WithStack(protowire.ParseError(n))
		}
		buff = buff[n:]
		var v uint64
		var b []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(buff)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(buff)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buff)
		}
		if n < 0 {
			return errors.WithStack(protowire.ParseError(n))
		}
		buff = buff[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(num, v, b); err != nil {
			return err
		}
	}
	return nil
}
