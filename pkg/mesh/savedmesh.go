package mesh

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shurlinet/atmosphere/internal/config"
	"github.com/shurlinet/atmosphere/internal/validate"
)

// SavedMeshStore is a file-backed ordered map of meshes this node has
// joined, persisted as canonical CBOR and replaced atomically via
// write-to-temp-and-rename so readers never observe a partial write
// (section 4.9).
type SavedMeshStore struct {
	path string

	mu       sync.Mutex
	meshes   map[MeshId]SavedMesh
	active   MeshId
	hasActive bool
}

// NewSavedMeshStore creates a store backed by path, without loading.
func NewSavedMeshStore(path string) *SavedMeshStore {
	return &SavedMeshStore{path: path, meshes: make(map[MeshId]SavedMesh)}
}

type savedMeshFile struct {
	Meshes []SavedMesh
	Active MeshId
	HasActive bool
}

// Load reads the persisted mesh list, if the file exists.
func (s *SavedMeshStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read saved mesh store: %w", err)
	}
	var file savedMeshFile
	if err := UnmarshalCBOR(data, &file); err != nil {
		return fmt.Errorf("decode saved mesh store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.meshes = make(map[MeshId]SavedMesh, len(file.Meshes))
	for _, m := range file.Meshes {
		s.meshes[m.MeshId] = m
	}
	s.active = file.Active
	s.hasActive = file.HasActive
	return nil
}

// save writes the current state atomically: write to a temp file in
// the same directory, then rename over the target.
func (s *SavedMeshStore) save() error {
	meshes := make([]SavedMesh, 0, len(s.meshes))
	for _, m := range s.meshes {
		meshes = append(meshes, m)
	}
	sort.Slice(meshes, func(i, j int) bool { return meshes[i].LastConnected.After(meshes[j].LastConnected) })

	data, err := MarshalCBOR(savedMeshFile{Meshes: meshes, Active: s.active, HasActive: s.hasActive})
	if err != nil {
		return fmt.Errorf("encode saved mesh store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir saved mesh store dir: %w", err)
	}
	if err := config.AtomicWriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write saved mesh store: %w", err)
	}
	return nil
}

// Put adds or updates a saved mesh entry.
func (s *SavedMeshStore) Put(m SavedMesh) error {
	if err := validate.NetworkName(m.MeshName); err != nil {
		return fmt.Errorf("save mesh: %w", err)
	}
	s.mu.Lock()
	s.meshes[m.MeshId] = m
	s.mu.Unlock()
	return s.save()
}

// Forget deletes a saved mesh entry.
func (s *SavedMeshStore) Forget(id MeshId) error {
	s.mu.Lock()
	delete(s.meshes, id)
	if s.hasActive && s.active == id {
		s.hasActive = false
		s.active = MeshId{}
	}
	s.mu.Unlock()
	return s.save()
}

// Activate marks id as the active mesh. The router is scoped to the
// active mesh's peers and capabilities by the caller.
func (s *SavedMeshStore) Activate(id MeshId) error {
	s.mu.Lock()
	if _, ok := s.meshes[id]; !ok {
		s.mu.Unlock()
		return Errorf(KindBadRequest, "unknown mesh %s", id)
	}
	s.active = id
	s.hasActive = true
	s.mu.Unlock()
	return s.save()
}

// Active returns the currently active mesh, if any.
func (s *SavedMeshStore) Active() (SavedMesh, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasActive {
		return SavedMesh{}, false
	}
	m, ok := s.meshes[s.active]
	return m, ok
}

// All returns every saved mesh, ordered by last_connected descending
// (most recently connected first), for auto-reconnect ordering.
func (s *SavedMeshStore) All() []SavedMesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SavedMesh, 0, len(s.meshes))
	for _, m := range s.meshes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastConnected.After(out[j].LastConnected) })
	return out
}

// AutoReconnectTargets returns saved meshes with auto_reconnect=true,
// in last-success order, for the caller to attempt joins against on
// process start.
func (s *SavedMeshStore) AutoReconnectTargets() []SavedMesh {
	var out []SavedMesh
	for _, m := range s.All() {
		if m.AutoReconnect {
			out = append(out, m)
		}
	}
	return out
}
