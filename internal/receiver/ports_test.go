package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPortIsDeterministic(t *testing.T) {
	assert.Equal(t, 10001, DefaultPort("10.0.0.1:10000"))
	assert.Equal(t, 10042, DefaultPort("192.168.1.42:10000"))
	assert.Equal(t, DefaultPort("10.0.0.1:10000"), DefaultPort("10.0.0.1:20000"),
		"port component does not affect the mapping")

	// Non-IPv4 hosts hash into the reserved range.
	port := DefaultPort("reader.example.com:10000")
	assert.GreaterOrEqual(t, port, portBase)
	assert.Less(t, port, portBase+portRange)
	assert.Equal(t, port, DefaultPort("reader.example.com:10000"))
}

func TestResolvePortsFlagsCollisions(t *testing.T) {
	subs := []Subscription{
		{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000"},
		{ForwarderID: "fwd-b", ReaderAddress: "172.16.0.1:10000"}, // same last octet
		{ForwarderID: "fwd-c", ReaderAddress: "10.0.0.2:10000"},
	}
	assignments := ResolvePorts(subs)

	a := assignments[subs[0].Key()]
	b := assignments[subs[1].Key()]
	c := assignments[subs[2].Key()]

	assert.Equal(t, 10001, a.Port)
	assert.Empty(t, a.CollidesWith)
	assert.Equal(t, 10001, b.Port)
	assert.Equal(t, subs[0].Key(), b.CollidesWith)
	assert.Equal(t, 10002, c.Port)
	assert.Empty(t, c.CollidesWith)
}

func TestResolvePortsHonoursOverride(t *testing.T) {
	subs := []Subscription{
		{ForwarderID: "fwd-a", ReaderAddress: "10.0.0.1:10000", PortOverride: 15000},
		{ForwarderID: "fwd-b", ReaderAddress: "172.16.0.1:10000"},
	}
	assignments := ResolvePorts(subs)
	assert.Equal(t, 15000, assignments[subs[0].Key()].Port)
	assert.Empty(t, assignments[subs[0].Key()].CollidesWith)
	assert.Equal(t, 10001, assignments[subs[1].Key()].Port)
	assert.Empty(t, assignments[subs[1].Key()].CollidesWith)
}
