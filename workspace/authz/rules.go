package authz

import (
	"collabspace/workspace/schema"
)

// RegisterWorkspaceRules installs the relational policy for workspace
// resources. Creating a board in a room requires room membership or room
// ownership; changing or removing one requires room ownership. Apps inherit
// the board policy through their room. Rooms are governed by their own
// owner field.
func RegisterWorkspaceRules(engine *Engine) {
	roomMemberOrOwner := []Rule{
		{Related: schema.PartitionRooms, Field: "members", Op: OpIncludes},
		{Related: schema.PartitionRooms, Field: "ownerId", Op: OpEquals},
	}

	// Create requests carry the target room id directly (Via empty).
	engine.Relate(schema.PartitionBoards, "create", RuleSet{AllRules: false, Rules: roomMemberOrOwner})

	engine.Relate(schema.PartitionBoards, "update", RuleSet{AllRules: true, Rules: []Rule{
		{Related: schema.PartitionRooms, Via: "roomId", Field: "ownerId", Op: OpEquals},
	}})
	engine.Relate(schema.PartitionBoards, "delete", RuleSet{AllRules: true, Rules: []Rule{
		{Related: schema.PartitionRooms, Via: "roomId", Field: "ownerId", Op: OpEquals},
	}})

	viaRoom := []Rule{
		{Related: schema.PartitionRooms, Via: "roomId", Field: "members", Op: OpIncludes},
		{Related: schema.PartitionRooms, Via: "roomId", Field: "ownerId", Op: OpEquals},
	}
	engine.Relate(schema.PartitionApps, "create", RuleSet{AllRules: false, Rules: roomMemberOrOwner})
	engine.Relate(schema.PartitionApps, "update", RuleSet{AllRules: false, Rules: viaRoom})
	engine.Relate(schema.PartitionApps, "delete", RuleSet{AllRules: false, Rules: viaRoom})

	engine.Relate(schema.PartitionRooms, "update", RuleSet{AllRules: true, Rules: []Rule{
		{Related: schema.PartitionRooms, Field: "ownerId", Op: OpEquals},
	}})
	engine.Relate(schema.PartitionRooms, "delete", RuleSet{AllRules: true, Rules: []Rule{
		{Related: schema.PartitionRooms, Field: "ownerId", Op: OpEquals},
	}})
}
