package input

// Combo names a key combination the local OS would otherwise intercept.
type Combo string

const (
	ComboCtrlAltDel   Combo = "ctrl-alt-del"
	ComboCtrlShiftEsc Combo = "ctrl-shift-esc"
	ComboWinL         Combo = "win-l"
	ComboWinR         Combo = "win-r"
	ComboAltTab       Combo = "alt-tab"
	ComboPrintScreen  Combo = "print-screen"
)

// ComboEntry is one menu item.
type ComboEntry struct {
	Combo Combo
	Label string
	os    []string
}

var combos = []ComboEntry{
	{ComboCtrlAltDel, "Ctrl+Alt+Del", []string{"windows", "linux"}},
	{ComboCtrlShiftEsc, "Task Manager (Ctrl+Shift+Esc)", []string{"windows"}},
	{ComboWinL, "Lock (Win+L)", []string{"windows"}},
	{ComboWinR, "Run (Win+R)", []string{"windows"}},
	{ComboAltTab, "Switch Window (Alt+Tab)", []string{"windows", "linux", "macos"}},
	{ComboPrintScreen, "Print Screen", []string{"windows", "linux"}},
}

// Valid reports whether c is a known combo.
func (c Combo) Valid() bool {
	for _, e := range combos {
		if e.Combo == c {
			return true
		}
	}
	return false
}

// ComboMenu lists the combos meaningful on remoteOS. An unknown OS gets every combo.
func ComboMenu(remoteOS string) []ComboEntry {
	known := false
	for _, e := range combos {
		known = known || supports(e, remoteOS)
	}

	var out []ComboEntry
	for _, e := range combos {
		if !known || supports(e, remoteOS) {
			out = append(out, e)
		}
	}
	return out
}

func supports(e ComboEntry, remoteOS string) bool {
	for _, os := range e.os {
		if os == remoteOS {
			return true
		}
	}
	return false
}
