// Package handler defines the callback contract a caller supplies to a
// gateway session: notification of newly discovered sensors and of every
// accepted update.
package handler

import "github.com/mobilealerts/gateway-proxy/pkg/sensorframe"

// Handler receives sensor lifecycle events. Methods run on the HTTP
// server's request-handling path and must not block indefinitely.
type Handler interface {
	// OnSensorAdded is invoked exactly once per sensor id, the first time a
	// frame for that id is accepted.
	OnSensorAdded(sensor *sensorframe.Sensor)
	// OnSensorUpdated is invoked after every accepted update, once
	// duplicate frames have been filtered and the frame has been decoded.
	OnSensorUpdated(sensor *sensorframe.Sensor)
}

// Func adapts two plain functions to the Handler interface. Either may be
// nil, in which case that event is silently ignored.
type Func struct {
	Added   func(sensor *sensorframe.Sensor)
	Updated func(sensor *sensorframe.Sensor)
}

func (f Func) OnSensorAdded(sensor *sensorframe.Sensor) {
	if f.Added != nil {
		f.Added(sensor)
	}
}

func (f Func) OnSensorUpdated(sensor *sensorframe.Sensor) {
	if f.Updated != nil {
		f.Updated(sensor)
	}
}

// Multi fans a single event out to several handlers, in order.
type Multi []Handler

func (m Multi) OnSensorAdded(sensor *sensorframe.Sensor) {
	for _, h := range m {
		h.OnSensorAdded(sensor)
	}
}

func (m Multi) OnSensorUpdated(sensor *sensorframe.Sensor) {
	for _, h := range m {
		h.OnSensorUpdated(sensor)
	}
}
