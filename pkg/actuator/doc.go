// Package actuator defines the actuator adapter boundary and the capability
// registry that maps action kinds to registered adapters.
//
// The registry is read on every tick and written only at startup and on
// hot-plug events, so reads go through an atomically swapped immutable table
// and writes copy it under a mutex.
//
// Adapters come from static configuration or from manifest files (YAML or
// JSON) in a watched directory:
//
//	id: base-motor
//	kind: motor
//	driver: http
//	endpoint: http://localhost:9000/motor
//	parameters_schema:
//	  type: object
//	  required: [direction]
package actuator
