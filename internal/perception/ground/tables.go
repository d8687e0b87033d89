package ground

// relatedTerms maps an object label to terms that corroborate it when they
// appear in OCR text or cloud labels. Lowercase on both sides.
var relatedTerms = map[string][]string{
	"bottle":     {"water", "soda", "ml", "oz", "drink"},
	"cup":        {"coffee", "tea", "mug"},
	"laptop":     {"macbook", "thinkpad", "notebook", "keyboard"},
	"phone":      {"iphone", "android", "mobile"},
	"book":       {"chapter", "page", "press", "edition"},
	"barbell":    {"kg", "lb", "rogue", "olympic"},
	"dumbbell":   {"kg", "lb", "hex"},
	"kettlebell": {"kg", "lb"},
	"pan":        {"nonstick", "skillet", "cast iron"},
	"pot":        {"quart", "stock", "sauce"},
	"knife":      {"chef", "blade", "steel"},
	"guitar":     {"fender", "gibson", "capo", "fret"},
	"piano":      {"yamaha", "keys", "pedal"},
	"monitor":    {"hdmi", "display", "inch"},
	"keyboard":   {"qwerty", "keys", "mechanical"},
	"notebook":   {"ruled", "page", "moleskine"},
	"whiteboard": {"marker", "erase"},
	"plate":      {"kg", "lb", "bumper"},
	"box":        {"fragile", "this side up", "kg", "lb"},
	"screwdriver": {"phillips", "torx", "flathead"},
}

// audioObjects maps a classified ambient sound to object labels it
// corroborates. A grounded object gains the audio source when the packet's
// dominant sound maps to its label.
var audioObjects = map[string][]string{
	"sizzling":      {"pan", "stove", "cooking", "food"},
	"boiling":       {"pot", "kettle", "stove"},
	"chopping":      {"knife", "cutting board"},
	"typing":        {"keyboard", "laptop"},
	"page_turning":  {"book", "notebook"},
	"music":         {"guitar", "piano", "speaker", "headphones"},
	"guitar":        {"guitar"},
	"piano":         {"piano", "keyboard"},
	"metal_clank":   {"barbell", "dumbbell", "plate", "kettlebell"},
	"drilling":      {"drill", "screwdriver"},
	"running_water": {"sink", "faucet", "pot"},
	"microwave":     {"microwave"},
	"speech":        {"phone", "monitor", "laptop"},
}

// categories maps object labels to a coarse scene category used by the
// context assembler. Unlisted labels fall into "other".
var categories = map[string]string{
	"pan":        "kitchen",
	"pot":        "kitchen",
	"stove":      "kitchen",
	"knife":      "kitchen",
	"kettle":     "kitchen",
	"microwave":  "kitchen",
	"sink":       "kitchen",
	"barbell":    "gym",
	"dumbbell":   "gym",
	"kettlebell": "gym",
	"plate":      "gym",
	"bench":      "gym",
	"mat":        "gym",
	"laptop":     "electronics",
	"phone":      "electronics",
	"monitor":    "electronics",
	"keyboard":   "electronics",
	"tablet":     "electronics",
	"headphones": "electronics",
	"speaker":    "electronics",
	"book":       "study",
	"notebook":   "study",
	"pen":        "study",
	"pencil":     "study",
	"whiteboard": "study",
	"desk":       "study",
	"guitar":     "music",
	"piano":      "music",
	"violin":     "music",
	"drum":       "music",
	"bottle":     "food",
	"cup":        "food",
	"bowl":       "food",
	"apple":      "food",
	"banana":     "food",
	"sandwich":   "food",
}

// CategoryOf returns the coarse category for an object label.
func CategoryOf(label string) string {
	if c, ok := categories[normalize(label)]; ok {
		return c
	}
	return "other"
}
