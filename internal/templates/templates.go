// Package templates - Generation templates and their resolution
// Provides the built-in template catalog, template selection, and content
// fetching with a process-wide cache and a generic fallback.
package templates

import (
	"errors"
	"fmt"
	"time"
)

// TemplateCategory organizes templates by type
type TemplateCategory string

const (
	CategoryCRUD         TemplateCategory = "crud"
	CategoryProductivity TemplateCategory = "productivity"
	CategoryCommerce     TemplateCategory = "commerce"
	CategoryContent      TemplateCategory = "content"
	CategoryAnalytics    TemplateCategory = "analytics"
	CategorySocial       TemplateCategory = "social"
	CategoryGeneric      TemplateCategory = "generic"
)

// Template ids of the built-in catalog.
const (
	SimpleCrudAuth = "SimpleCrudAuth"
	TodoTracker    = "TodoTracker"
	Marketplace    = "Marketplace"
	Blog           = "Blog"
	Dashboard      = "Dashboard"
	Chat           = "Chat"

	// GenericTemplateID names the non-template-specific instruction set
	// used when a template cannot be fetched.
	GenericTemplateID = "Generic"

	// DefaultTemplateID is selected when no template matches a request.
	DefaultTemplateID = SimpleCrudAuth
)

// ErrTemplateNotFound is returned when a template id is unknown to a source.
var ErrTemplateNotFound = errors.New("template not found")

// Template represents a generation template
type Template struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Description          string           `json:"description"`
	Category             TemplateCategory `json:"category"`
	Tags                 []string         `json:"tags"`
	Keywords             []string         `json:"keywords"`
	BackendInstructions  string           `json:"backend_instructions,omitempty"`
	FrontendInstructions string           `json:"frontend_instructions,omitempty"`
	BackendRules         string           `json:"backend_rules,omitempty"`
	FrontendRules        string           `json:"frontend_rules,omitempty"`
	Popular              bool             `json:"popular"`
}

// Content is the fetched instruction set for one template. Missing fields
// are empty strings.
type Content struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	BackendInstructions  string    `json:"backend_instructions"`
	FrontendInstructions string    `json:"frontend_instructions"`
	BackendRules         string    `json:"backend_rules"`
	FrontendRules        string    `json:"frontend_rules"`
	FetchedAt            time.Time `json:"fetched_at"`
}

// ContentOf converts a template into fetched content.
func ContentOf(t *Template, fetchedAt time.Time) *Content {
	if t == nil {
		return &Content{FetchedAt: fetchedAt}
	}
	return &Content{
		ID:                   t.ID,
		Name:                 t.Name,
		BackendInstructions:  t.BackendInstructions,
		FrontendInstructions: t.FrontendInstructions,
		BackendRules:         t.BackendRules,
		FrontendRules:        t.FrontendRules,
		FetchedAt:            fetchedAt,
	}
}

const commonBackendRules = `- Write the backend as a single Motoko actor in main.mo.
- Expose reads as "public query func" and writes as "public shared func".
- Return Result.Result<T, Text> from operations that can fail.
- Keep stable state in "stable var" declarations so upgrades preserve data.
- Declare record types with "type Name = { ... };" before the actor.`

const commonFrontendRules = `- Use React with TypeScript and Vite.
- Call the backend only through the generated actor in src/backend.ts.
- Every backend call must handle both the ok and err variants.
- Keep components in src/components and pages in src/pages.
- Do not invent backend methods that the interface does not declare.`

// GetAllTemplates returns all available generation templates
func GetAllTemplates() []Template {
	return []Template{
		{
			ID:          SimpleCrudAuth,
			Name:        SimpleCrudAuth,
			Description: "Single-entity CRUD app with per-user ownership and sign-in",
			Category:    CategoryCRUD,
			Tags:        []string{"crud", "auth", "starter"},
			Keywords:    []string{"crud", "manage", "records", "list", "inventory", "contacts", "notes", "auth", "login", "users", "simple"},
			Popular:     true,
			BackendInstructions: `Build a canister that stores one primary entity per caller.
Key every record by the caller principal. Provide create, get, list, update and delete
operations. Reject anonymous callers on writes.`,
			FrontendInstructions: `Build a sign-in screen, a list view of the caller's records,
and a form to create and edit a record. Show backend errors inline.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
		{
			ID:          TodoTracker,
			Name:        TodoTracker,
			Description: "Task list with completion state, due dates and filters",
			Category:    CategoryProductivity,
			Tags:        []string{"todo", "tasks", "productivity"},
			Keywords:    []string{"todo", "task", "tasks", "checklist", "reminder", "due", "tracker", "planner"},
			Popular:     true,
			BackendInstructions: `Store tasks with id, title, done flag and optional due date.
Provide addTask, toggleTask, deleteTask and listTasks. Ids are monotonically increasing Nat values.`,
			FrontendInstructions: `Show a task list with filters for all, active and done.
Allow inline add, toggle and delete. Sort by due date when present.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
		{
			ID:          Marketplace,
			Name:        Marketplace,
			Description: "Listings with sellers, prices and purchase flow",
			Category:    CategoryCommerce,
			Tags:        []string{"marketplace", "commerce", "shop"},
			Keywords:    []string{"marketplace", "shop", "store", "sell", "buy", "product", "products", "cart", "listing", "ecommerce", "order"},
			BackendInstructions: `Store listings owned by sellers and orders placed by buyers.
Provide createListing, listListings, getListing, placeOrder and myOrders. Prices are Nat in the smallest unit.`,
			FrontendInstructions: `Build a listing grid, a listing detail page with a buy button,
a seller page to create listings, and an orders page.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
		{
			ID:          Blog,
			Name:        Blog,
			Description: "Posts with authors, drafts and comments",
			Category:    CategoryContent,
			Tags:        []string{"blog", "cms", "content"},
			Keywords:    []string{"blog", "post", "posts", "article", "articles", "cms", "publish", "comment", "comments", "writing"},
			BackendInstructions: `Store posts with author, title, body, published flag and timestamps,
plus comments per post. Provide createPost, publishPost, listPublished, getPost and addComment.`,
			FrontendInstructions: `Build a post index, a post page with comments,
and an editor for drafts with a publish action.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
		{
			ID:          Dashboard,
			Name:        Dashboard,
			Description: "Metric collection and charts",
			Category:    CategoryAnalytics,
			Tags:        []string{"dashboard", "analytics", "charts"},
			Keywords:    []string{"dashboard", "analytics", "metrics", "chart", "charts", "stats", "report", "reports", "kpi", "monitor"},
			BackendInstructions: `Store named metric series of timestamped values. Provide recordValue,
listSeries and getSeries with an optional time window.`,
			FrontendInstructions: `Build a dashboard grid of cards with a chart per series
and a form to record new values.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
		{
			ID:          Chat,
			Name:        Chat,
			Description: "Rooms and messages between users",
			Category:    CategorySocial,
			Tags:        []string{"chat", "messaging", "social"},
			Keywords:    []string{"chat", "message", "messages", "messaging", "room", "rooms", "conversation", "social", "friends"},
			BackendInstructions: `Store rooms and messages. Provide createRoom, listRooms, postMessage
and listMessages with a since cursor for polling.`,
			FrontendInstructions: `Build a room list sidebar and a message pane that polls for new
messages and keeps the view scrolled to the latest message.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
		{
			ID:          GenericTemplateID,
			Name:        GenericTemplateID,
			Description: "Template-independent instructions used when a template is unavailable",
			Category:    CategoryGeneric,
			Tags:        []string{"generic"},
			BackendInstructions: `Derive the data model and operations from the specification.
Prefer a small number of well-named operations over many narrow ones.`,
			FrontendInstructions: `Build one page per major feature in the specification
and wire every page to the backend interface.`,
			BackendRules:  commonBackendRules,
			FrontendRules: commonFrontendRules,
		},
	}
}

// GetTemplateByID returns a specific template by ID
func GetTemplateByID(id string) (*Template, error) {
	for _, t := range GetAllTemplates() {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
}

// GetTemplatesByCategory returns templates in a specific category
func GetTemplatesByCategory(category TemplateCategory) []Template {
	var result []Template
	for _, t := range GetAllTemplates() {
		if t.Category == category {
			result = append(result, t)
		}
	}
	return result
}

// Selectable returns the templates a selector may choose from.
func Selectable() []Template {
	var result []Template
	for _, t := range GetAllTemplates() {
		if t.ID != GenericTemplateID {
			result = append(result, t)
		}
	}
	return result
}
