package wire

import (
	"encoding/binary"
	"io"
)

// MissingResource is the R! size announcing that a requested resource
// does not exist on the launcher side.
const MissingResource int32 = -1

// missingMarker is MissingResource as it appears on the wire.
const missingMarker uint32 = 0xFFFFFFFF

// StartVM asks the agent to spawn a worker.  It is the only record the
// agent itself decodes; everything after it is relayed.
type StartVM struct {
	DebugPort        int32
	Suspend          bool
	StopOnDisconnect bool
	VMArgs           []string // worker process arguments
	WorkerArgs       []string // arguments for the worker sub-command
}

// Tag implements Message.
func (*StartVM) Tag() Tag { return TagStartVM }

// AppendTo implements Message.
func (m *StartVM) AppendTo(b []byte) ([]byte, error) {
	b = AppendTag(b, TagStartVM)
	b = binary.BigEndian.AppendUint32(b, uint32(m.DebugPort))
	b = AppendBool(b, m.Suspend)
	b = AppendBool(b, m.StopOnDisconnect)
	b, mark := MarkUint16Offset(b)
	var err error
	if b, err = AppendStrings(b, m.VMArgs); err != nil {
		return b, err
	}
	if b, err = AppendStrings(b, m.WorkerArgs); err != nil {
		return b, err
	}
	return b, FillUint16Offset(b, mark, MaxNested)
}

// Ready is the worker's first record once it has connected back.
type Ready struct{}

// Tag implements Message.
func (Ready) Tag() Tag { return TagReady }

// AppendTo implements Message.
func (Ready) AppendTo(b []byte) ([]byte, error) { return AppendTag(b, TagReady), nil }

// Start tells the worker that negotiation is complete.
type Start struct{}

// Tag implements Message.
func (Start) Tag() Tag { return TagStart }

// AppendTo implements Message.
func (Start) AppendTo(b []byte) ([]byte, error) { return AppendTag(b, TagStart), nil }

// RemoteClasspath lists entries that already exist on the remote host.
type RemoteClasspath struct {
	Entries []string
}

// Tag implements Message.
func (*RemoteClasspath) Tag() Tag { return TagRemoteClasspath }

// AppendTo implements Message.
func (m *RemoteClasspath) AppendTo(b []byte) ([]byte, error) {
	return AppendStrings(AppendTag(b, TagRemoteClasspath), m.Entries)
}

// PathEntry maps a launcher-assigned id to a local classpath entry.
type PathEntry struct {
	ID   string
	Path string
}

// LocalClasspath lists the launcher's entries in classpath order.
type LocalClasspath struct {
	Entries []PathEntry
}

// Tag implements Message.
func (*LocalClasspath) Tag() Tag { return TagLocalClasspath }

// AppendTo implements Message.
func (m *LocalClasspath) AppendTo(b []byte) ([]byte, error) {
	b = AppendTag(b, TagLocalClasspath)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Entries)))
	var err error
	for _, e := range m.Entries {
		if b, err = AppendString(b, e.ID); err != nil {
			return b, err
		}
		if b, err = AppendString(b, e.Path); err != nil {
			return b, err
		}
	}
	return b, nil
}

// Lookup returns the path registered under id.
func (m *LocalClasspath) Lookup(id string) (string, bool) {
	for _, e := range m.Entries {
		if e.ID == id {
			return e.Path, true
		}
	}
	return "", false
}

// ResourceInfo describes one file under a local classpath entry.  Name
// is slash separated and relative to the entry; it is empty when the
// entry itself is a plain file.
type ResourceInfo struct {
	PathID  string
	Name    string
	ModTime int64 // milliseconds since the Unix epoch
	Length  int64
}

// CacheManifest lists every resource the worker should have cached.
type CacheManifest struct {
	Resources []ResourceInfo
}

// Tag implements Message.
func (*CacheManifest) Tag() Tag { return TagCacheManifest }

// AppendTo implements Message.
func (m *CacheManifest) AppendTo(b []byte) ([]byte, error) {
	b = AppendTag(b, TagCacheManifest)
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Resources)))
	var err error
	for _, r := range m.Resources {
		if b, err = AppendString(b, r.PathID); err != nil {
			return b, err
		}
		if b, err = AppendString(b, r.Name); err != nil {
			return b, err
		}
		b = binary.BigEndian.AppendUint64(b, uint64(r.ModTime))
		b = binary.BigEndian.AppendUint64(b, uint64(r.Length))
	}
	return b, nil
}

// CacheQuery asks about a single resource.  It is part of the record
// set but no current conversation sends it.
type CacheQuery struct {
	Name string
}

// Tag implements Message.
func (*CacheQuery) Tag() Tag { return TagCacheQuery }

// AppendTo implements Message.
func (m *CacheQuery) AppendTo(b []byte) ([]byte, error) {
	return AppendString(AppendTag(b, TagCacheQuery), m.Name)
}

// Arguments carries the entry program's arguments.
type Arguments struct {
	Args []string
}

// Tag implements Message.
func (*Arguments) Tag() Tag { return TagArguments }

// AppendTo implements Message.
func (m *Arguments) AppendTo(b []byte) ([]byte, error) {
	return AppendStrings(AppendTag(b, TagArguments), m.Args)
}

// MainClass names the entry program.
type MainClass struct {
	Name string
}

// Tag implements Message.
func (*MainClass) Tag() Tag { return TagMainClass }

// AppendTo implements Message.
func (m *MainClass) AppendTo(b []byte) ([]byte, error) {
	return AppendString(AppendTag(b, TagMainClass), m.Name)
}

// ResourceRequest asks the launcher for one file.
type ResourceRequest struct {
	PathID string
	Name   string
}

// Tag implements Message.
func (*ResourceRequest) Tag() Tag { return TagResourceRequest }

// AppendTo implements Message.
func (m *ResourceRequest) AppendTo(b []byte) ([]byte, error) {
	b = AppendTag(b, TagResourceRequest)
	b, err := AppendString(b, m.PathID)
	if err != nil {
		return b, err
	}
	return AppendString(b, m.Name)
}

// Resource answers a ResourceRequest.  When decoded, Body yields exactly
// Size bytes and must be consumed before the next Decoder.Next call,
// which otherwise discards the remainder.
type Resource struct {
	Size int32 // MissingResource when the file does not exist
	Data []byte
	Body io.Reader
}

// Tag implements Message.
func (*Resource) Tag() Tag { return TagResource }

// Missing reports whether the launcher had no such file.
func (m *Resource) Missing() bool { return m.Size == MissingResource }

// AppendTo implements Message for in-memory payloads.
func (m *Resource) AppendTo(b []byte) ([]byte, error) {
	b = AppendTag(b, TagResource)
	if m.Size == MissingResource {
		return binary.BigEndian.AppendUint32(b, missingMarker), nil
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Data)))
	return append(b, m.Data...), nil
}

// Stream carries a chunk of worker console output.
type Stream struct {
	Data []byte
}

// Tag implements Message.
func (*Stream) Tag() Tag { return TagStream }

// AppendTo implements Message.
func (m *Stream) AppendTo(b []byte) ([]byte, error) { return AppendStream(b, m.Data) }
