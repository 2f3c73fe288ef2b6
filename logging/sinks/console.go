package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"netreplica/logging"
)

// Console renders each event as a single line of key=value pairs:
//
//	[replication.flushed] debug tick=42 actor=collection:chat payload={"events":3}
type Console struct {
	logger *log.Logger
}

func NewConsole(w io.Writer) *Console {
	return &Console{logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func (s *Console) Write(event logging.Event) error {
	fields := []string{
		fmt.Sprintf("[%s] %s", event.Type, event.Severity),
		fmt.Sprintf("tick=%d", event.Tick),
		"actor=" + entity(event.Actor),
	}
	if len(event.Targets) > 0 {
		targets := make([]string, len(event.Targets))
		for i, target := range event.Targets {
			targets[i] = entity(target)
		}
		fields = append(fields, "targets="+strings.Join(targets, ","))
	}
	if event.TraceID != "" {
		fields = append(fields, "trace="+event.TraceID)
	}
	if event.Payload != nil {
		fields = append(fields, "payload="+compact(event.Payload))
	}
	if len(event.Extra) > 0 {
		fields = append(fields, "extra="+compact(event.Extra))
	}
	s.logger.Print(strings.Join(fields, " "))
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func entity(ref logging.EntityRef) string {
	switch {
	case ref.ID == "":
		return string(ref.Kind)
	case ref.Kind == "":
		return ref.ID
	default:
		return string(ref.Kind) + ":" + ref.ID
	}
}

func compact(v any) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
