package avatar

// Morph-target names on the head and teeth meshes.
const (
	MorphPP  = "viseme_PP"
	MorphKK  = "viseme_kk"
	MorphI   = "viseme_I"
	MorphAA  = "viseme_AA"
	MorphO   = "viseme_O"
	MorphU   = "viseme_U"
	MorphFF  = "viseme_FF"
	MorphTH  = "viseme_TH"
	MorphSil = "viseme_sil"
)

// cueToMorph maps lip-sync shape classes to morph targets. A–H are the
// speaking shapes; X is rest.
var cueToMorph = map[string]string{
	"A": MorphPP, // closed lips: p, b, m
	"B": MorphKK, // slightly open, clenched teeth: k, s, t, ee
	"C": MorphI,  // open: eh, ae
	"D": MorphAA, // wide open: aa
	"E": MorphO,  // rounded: ao, er
	"F": MorphU,  // puckered: uw, ow, w
	"G": MorphFF, // upper teeth on lower lip: f, v
	"H": MorphTH, // tongue raised: l, th
	"X": MorphSil,
}

// MorphFor resolves a cue value. Unknown values report false.
func MorphFor(value string) (string, bool) {
	m, ok := cueToMorph[value]
	return m, ok
}

// MorphTargets lists every viseme morph target the animator drives.
func MorphTargets() []string {
	return []string{MorphPP, MorphKK, MorphI, MorphAA, MorphO, MorphU, MorphFF, MorphTH, MorphSil}
}
