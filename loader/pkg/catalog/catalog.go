package catalog

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/lakeetl/loader"
)

// Table describes a production table fed from per-track staging tables.
type Table struct {
	Name string `yaml:"name"`
	// KeyColumns is the natural key used for deduplication and the anti-join insert.
	KeyColumns []string `yaml:"key_columns"`
	// IDColumn orders duplicates within a key; the lowest id wins.
	IDColumn   string `yaml:"id_column"`
	DateColumn string `yaml:"date_column"`
}

// View describes a materialized view table refreshed for a track's date range.
type View struct {
	Name       string `yaml:"name"`
	DateColumn string `yaml:"date_column"`
	// Select is rendered with {min_date} and {max_date} replaced by date literals.
	Select    string   `yaml:"select"`
	DependsOn []string `yaml:"depends_on"`
}

type Catalog struct {
	Tables []Table `yaml:"tables"`
	Views  []View  `yaml:"views"`
}

// Default returns the catalog embedded in the loader binary.
func Default() (*Catalog, error) {
	return Parse(loader.DefaultCatalog)
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("catalog must contain at least one table")
	}
	seen := make(map[string]bool)
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate catalog entry %q", t.Name)
		}
		seen[t.Name] = true
		if len(t.KeyColumns) == 0 {
			return fmt.Errorf("table %q: key_columns is required", t.Name)
		}
		if t.IDColumn == "" {
			return fmt.Errorf("table %q: id_column is required", t.Name)
		}
		if t.DateColumn == "" {
			return fmt.Errorf("table %q: date_column is required", t.Name)
		}
	}
	for _, v := range c.Views {
		if v.Name == "" {
			return fmt.Errorf("view name is required")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate catalog entry %q", v.Name)
		}
		seen[v.Name] = true
		if v.DateColumn == "" {
			return fmt.Errorf("view %q: date_column is required", v.Name)
		}
		if strings.TrimSpace(v.Select) == "" {
			return fmt.Errorf("view %q: select is required", v.Name)
		}
	}
	for _, v := range c.Views {
		for _, dep := range v.DependsOn {
			if _, ok := c.View(dep); !ok {
				return fmt.Errorf("view %q depends on unknown view %q", v.Name, dep)
			}
		}
	}
	if _, err := c.ViewOrder(); err != nil {
		return err
	}
	return nil
}

func (c *Catalog) Table(name string) (Table, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

func (c *Catalog) View(name string) (View, bool) {
	for _, v := range c.Views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}

// Targets returns every table and view name, tables first.
func (c *Catalog) Targets() []string {
	names := make([]string, 0, len(c.Tables)+len(c.Views))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	for _, v := range c.Views {
		names = append(names, v.Name)
	}
	return names
}

// ViewOrder returns view names so that every view follows its dependencies.
// It fails if the dependencies contain a cycle.
func (c *Catalog) ViewOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.Views))
	order := make([]string, 0, len(c.Views))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("view dependency cycle: %s", strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		v, _ := c.View(name)
		for _, dep := range v.DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, v := range c.Views {
		if err := visit(v.Name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// RenderSelect substitutes the date range into the view's select.
func (v View) RenderSelect(minDate, maxDate time.Time) string {
	r := strings.NewReplacer(
		"{min_date}", DateLiteral(minDate),
		"{max_date}", DateLiteral(maxDate),
	)
	return strings.TrimSpace(r.Replace(v.Select))
}

// DependsOnView reports whether v declares name as a dependency.
func (v View) DependsOnView(name string) bool {
	return slices.Contains(v.DependsOn, name)
}

func DateLiteral(t time.Time) string {
	return fmt.Sprintf("toDate('%s')", t.UTC().Format(time.DateOnly))
}
