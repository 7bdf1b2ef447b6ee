package bench

// Param is one swept parameter: a name and its ordered candidate values.
type Param struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// ExpandMatrix enumerates the Cartesian product of the given parameters.
// Declaration order is significant: the first parameter varies slowest and
// value order is preserved, so expanding identical input twice yields the
// identical sequence. No parameters yields a single empty combination; a
// parameter with no values yields no combinations at all (callers reject
// that case up front).
func ExpandMatrix(params []Param) []map[string]string {
	combos := []map[string]string{{}}
	for _, p := range params {
		next := make([]map[string]string, 0, len(combos)*len(p.Values))
		for _, c := range combos {
			for _, v := range p.Values {
				m := make(map[string]string, len(c)+1)
				for name, val := range c {
					m[name] = val
				}
				m[p.Name] = v
				next = append(next, m)
			}
		}
		combos = next
	}
	return combos
}

// BindParams substitutes {NAME} placeholders in a command template with the
// combination's values. Matrix parameters bind at job creation, so a bound
// placeholder is no longer visible to dispatch-time variable substitution:
// an explicit sweep parameter shadows any server variable of the same name.
func BindParams(cmd string, combo map[string]string, params []Param) string {
	// Apply in declaration order so overlapping replacements are stable.
	for _, p := range params {
		if v, ok := combo[p.Name]; ok {
			cmd = replaceVar(cmd, p.Name, v)
		}
	}
	return cmd
}
