package analysis

// Constants for analysis operations
const (
	// DefaultPathBudget is the instruction budget of path queries.
	DefaultPathBudget = 1000

	// SearchWindowSmall is used for local instruction searches such as the
	// call following a string reference.
	SearchWindowSmall = 10

	// SearchWindowMedium is used for medium-range searches
	SearchWindowMedium = 100

	// TinyFunctionLimit is the instruction count at or below which a
	// function counts as a tiny stub (getters, forwarding thunks).
	TinyFunctionLimit = 10

	// MaxVtableEntries bounds vtable probing.
	MaxVtableEntries = 1000
)
