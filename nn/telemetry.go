package nn

// Blueprint describes the structure of a model: its configuration and the
// parameter count of every component.
type Blueprint struct {
	ID          string               `json:"id"`
	Structure   Structure            `json:"structure"`
	TotalParams int                  `json:"total_parameters"`
	Components  []ComponentTelemetry `json:"components"`
}

// ComponentTelemetry contains metadata about one component of the model.
type ComponentTelemetry struct {
	Name        string `json:"name"`
	Layers      int    `json:"layers"`
	Parameters  int    `json:"parameters"`
	InputShape  []int  `json:"input_shape,omitempty"`
	OutputShape []int  `json:"output_shape,omitempty"`
	CombineMode string `json:"combine_mode,omitempty"`
}

// ExtractBlueprint summarises m. Shapes use -1 for the node axis.
func ExtractBlueprint(m *Model, id string) Blueprint {
	cfg := m.Config()
	counts := make(map[string]int)
	for _, slot := range m.Store().Layout() {
		counts[slot.Key.Branch] += slot.Len()
	}

	components := []ComponentTelemetry{
		{
			Name:        "input",
			Layers:      1,
			Parameters:  counts["input"],
			InputShape:  []int{-1, cfg.InputDim},
			OutputShape: []int{-1, cfg.HiddenDim},
		},
		{
			Name:        "scene",
			Layers:      cfg.NumLayers,
			Parameters:  counts["scene"],
			InputShape:  []int{-1, cfg.SceneDim},
			OutputShape: []int{-1, cfg.HiddenDim},
		},
		{
			Name:        "temporal",
			Layers:      cfg.NumLayers,
			Parameters:  counts["temporal"],
			InputShape:  []int{-1, cfg.TemporalDim},
			OutputShape: []int{-1, cfg.HiddenDim},
		},
		{
			Name:        "graph",
			Layers:      cfg.NumLayers,
			Parameters:  counts["graph"],
			InputShape:  []int{-1, cfg.HiddenDim},
			OutputShape: []int{-1, cfg.HiddenDim},
			CombineMode: cfg.HeadMerge,
		},
		{
			Name:        "fusion",
			Layers:      2,
			Parameters:  counts["fusion"],
			InputShape:  []int{-1, 3 * cfg.HiddenDim},
			OutputShape: []int{-1, cfg.OutputDim},
			CombineMode: "concat",
		},
	}
	return Blueprint{
		ID:          id,
		Structure:   cfg.Structure(),
		TotalParams: m.Store().Size(),
		Components:  components,
	}
}
