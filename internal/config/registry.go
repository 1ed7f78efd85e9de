package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/liveconsult/pkg/device"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one name → constructor table.
type factories[E, T any] struct {
	kind string
	m    map[string]func(E) (T, error)
}

func newFactories[E, T any](kind string) factories[E, T] {
	return factories[E, T]{kind: kind, m: make(map[string]func(E) (T, error))}
}

func (f factories[E, T]) create(name string, entry E) (T, error) {
	factory, ok := f.m[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return factory(entry)
}

// Registry maps provider and device backend names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	s2s        factories[ProviderEntry, s2s.Provider]
	microphone factories[DeviceEntry, device.Microphone]
	speaker    factories[DeviceEntry, device.Speaker]
	camera     factories[DeviceEntry, device.Camera]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:        newFactories[ProviderEntry, s2s.Provider]("s2s"),
		microphone: newFactories[DeviceEntry, device.Microphone]("microphone"),
		speaker:    newFactories[DeviceEntry, device.Speaker]("speaker"),
		camera:     newFactories[DeviceEntry, device.Camera]("camera"),
	}
}

// RegisterS2S registers a speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s.m[name] = factory
}

// RegisterMicrophone registers a microphone backend factory under name.
func (r *Registry) RegisterMicrophone(name string, factory func(DeviceEntry) (device.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphone.m[name] = factory
}

// RegisterSpeaker registers a speaker backend factory under name.
func (r *Registry) RegisterSpeaker(name string, factory func(DeviceEntry) (device.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaker.m[name] = factory
}

// RegisterCamera registers a camera backend factory under name.
func (r *Registry) RegisterCamera(name string, factory func(DeviceEntry) (device.Camera, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.camera.m[name] = factory
}

// CreateS2S instantiates a speech provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s2s.create(entry.Name, entry)
}

// CreateMicrophone instantiates the microphone backend named by entry.Name.
func (r *Registry) CreateMicrophone(entry DeviceEntry) (device.Microphone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.microphone.create(entry.Name, entry)
}

// CreateSpeaker instantiates the speaker backend named by entry.Name.
func (r *Registry) CreateSpeaker(entry DeviceEntry) (device.Speaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.speaker.create(entry.Name, entry)
}

// CreateCamera instantiates the camera backend named by entry.Name.
func (r *Registry) CreateCamera(entry DeviceEntry) (device.Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.camera.create(entry.Name, entry)
}

// S2SNames returns the registered speech provider names, sorted.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.s2s.m))
}
