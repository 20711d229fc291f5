package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// project
	"project.created":   {},
	"project.completed": {},
	"project.failed":    {},
	"project.deleted":   {},
	"project.status":    {},

	// script
	"script.generated": {},
	"script.failed":    {},
	"script.updated":   {},

	// scene image
	"scene.image.started":   {},
	"scene.image.completed": {},
	"scene.image.failed":    {},
	"scene.image.uploaded":  {},

	// scene video
	"scene.video.started":   {},
	"scene.video.completed": {},
	"scene.video.failed":    {},

	// batch
	"batch.started":   {},
	"batch.completed": {},

	// generation
	"generation.progress": {},
	"generation.stage":    {},

	// relay
	"relay.connected":    {},
	"relay.disconnected": {},
	"relay.error":        {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
