// Package buckets classifies item, block and entity names into the small
// fixed taxonomies used by the feature encoder.
//
// Matching is case-insensitive substring search; the first keyword list that
// matches wins, in declaration order.
package buckets

import "strings"

type Item int

const (
	ItemNone Item = iota
	ItemTool
	ItemRanged
	ItemFood
	ItemBlock
	ItemOther
)

var ItemNames = []string{"NONE", "TOOL", "RANGED", "FOOD", "BLOCK", "OTHER"}

func (b Item) String() string { return ItemNames[b] }

type Inventory int

// Inventory buckets are laid out in encoder order.
const (
	InvTool Inventory = iota
	InvFood
	InvBlock
	InvWeapon
	InvUtility
	InvOther
)

var InventoryNames = []string{"TOOL", "FOOD", "BLOCK", "WEAPON", "UTILITY", "OTHER"}

func (b Inventory) String() string { return InventoryNames[b] }

type Block int

const (
	BlockUnknown Block = iota
	BlockAir
	BlockWater
	BlockLava
	BlockPlant
	BlockUtility
	BlockSolid
)

var BlockNames = []string{"UNKNOWN", "AIR", "WATER", "LAVA", "PLANT", "UTILITY", "SOLID"}

func (b Block) String() string { return BlockNames[b] }

const (
	NumItem      = 6
	NumInventory = 6
	NumBlock     = 7
	NumEntity    = 5
)

var (
	toolWords    = []string{"sword", "axe", "pickaxe", "shovel", "hoe"}
	rangedWords  = []string{"bow", "crossbow", "trident"}
	foodWords    = []string{"bread", "beef", "pork", "chicken", "carrot", "potato", "apple", "food"}
	blockWords   = []string{"plank", "stone", "dirt", "cobblestone", "sand", "glass", "brick", "block"}
	weaponWords  = []string{"sword", "axe", "trident", "bow", "crossbow"}
	invToolWords = []string{"pickaxe", "shovel", "hoe", "shears", "fishing_rod"}
	utilityWords = []string{"torch", "table", "furnace", "bed", "chest", "anvil"}

	plantWords        = []string{"grass", "flower", "leaves", "vine", "sapling"}
	utilityBlockWords = []string{"crafting_table", "furnace", "chest", "anvil", "enchanting_table", "bed"}

	// HostileHints mark an entity as hostile by name regardless of its type.
	HostileHints = []string{
		"zombie", "skeleton", "creeper", "spider", "witch", "pillager", "vindicator",
		"evoker", "enderman", "blaze", "ghast", "slime", "drowned",
	}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func normName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ClassifyItem buckets a held item name.
func ClassifyItem(name string) Item {
	n := normName(name)
	switch {
	case n == "" || n == "none":
		return ItemNone
	case containsAny(n, toolWords):
		return ItemTool
	case containsAny(n, rangedWords):
		return ItemRanged
	case containsAny(n, foodWords):
		return ItemFood
	case containsAny(n, blockWords):
		return ItemBlock
	}
	return ItemOther
}

// ClassifyInventory buckets an inventory slot's item name.
func ClassifyInventory(name string) Inventory {
	n := normName(name)
	switch {
	case n == "" || n == "none":
		return InvOther
	case containsAny(n, weaponWords):
		return InvWeapon
	case containsAny(n, invToolWords):
		return InvTool
	case containsAny(n, foodWords):
		return InvFood
	case containsAny(n, blockWords):
		return InvBlock
	case containsAny(n, utilityWords):
		return InvUtility
	}
	return InvOther
}

// ClassifyBlock buckets a block name. Any name containing "air" is AIR,
// which also catches names like "stairs".
func ClassifyBlock(name string) Block {
	n := normName(name)
	switch {
	case n == "" || n == "unknown":
		return BlockUnknown
	case strings.Contains(n, "air"):
		return BlockAir
	case strings.Contains(n, "water") || strings.Contains(n, "bubble_column"):
		return BlockWater
	case strings.Contains(n, "lava"):
		return BlockLava
	case containsAny(n, plantWords):
		return BlockPlant
	case containsAny(n, utilityBlockWords):
		return BlockUtility
	}
	return BlockSolid
}

// EntityIndex maps an entity type to its one-hot slot:
// player, mob, object, other, unknown.
func EntityIndex(kind string) int {
	switch normName(kind) {
	case "player":
		return 0
	case "mob":
		return 1
	case "object":
		return 2
	case "other":
		return 3
	}
	return 4
}

// IsHostile reports whether an entity counts toward threat features.
func IsHostile(kind, name string) bool {
	if normName(kind) == "mob" {
		return true
	}
	return containsAny(normName(name), HostileHints)
}

func OneHotItem(b Item) []float32 {
	v := make([]float32, NumItem)
	v[b] = 1
	return v
}

func OneHotBlock(b Block) []float32 {
	v := make([]float32, NumBlock)
	v[b] = 1
	return v
}
