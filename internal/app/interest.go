package app

import (
	"fmt"

	"netreplica/internal/config"
	"netreplica/internal/interest"
	"netreplica/internal/spawn"
)

type node = interest.Node[*spawn.Client, *spawn.Object]

// buildInterest creates one group per layout entry and binds its node tree.
func buildInterest(manager *interest.Manager[*spawn.Client, *spawn.Object], groups *interest.Groups, layout config.Layout) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	for _, entry := range layout.Groups {
		group, err := groups.Create(entry.Name)
		if err != nil {
			return fmt.Errorf("interest layout: %w", err)
		}
		if entry.PriorityScale > 0 {
			group.Settings.PriorityScale = entry.PriorityScale
		}
		if err := manager.RegisterNode(buildNode(entry.Node), group); err != nil {
			return fmt.Errorf("interest layout: %w", err)
		}
	}
	return nil
}

func buildNode(layout config.NodeLayout) node {
	var n node
	switch layout.Kind {
	case config.NodeRadius:
		n = interest.NewRadiusNode[*spawn.Client, *spawn.Object](layout.Radius, playerAnchor, objectPosition)
	default:
		n = interest.NewStaticNode[*spawn.Client, *spawn.Object]()
	}
	for _, child := range layout.Children {
		n.AddChild(buildNode(child))
	}
	return n
}

// playerAnchor places a client at its player object.
func playerAnchor(client *spawn.Client) (interest.Vec3, bool) {
	if client == nil || client.Player == nil {
		return interest.Vec3{}, false
	}
	return client.Player.Position, true
}

func objectPosition(obj *spawn.Object) (interest.Vec3, bool) {
	if obj == nil {
		return interest.Vec3{}, false
	}
	return obj.Position, true
}
