package document

import "fmt"

// Style is a named presentation preset referenced by events.
type Style struct {
	Name        string
	FontName    string
	FontSize    float64
	Primary     string // colors in ASS &HAABBGGRR& form
	Secondary   string
	Outline     string
	Shadow      string
	Bold        bool
	Italic      bool
	Underline   bool
	StrikeOut   bool
	ScaleX      float64
	ScaleY      float64
	Spacing     float64
	Angle       float64
	BorderStyle int
	OutlineW    float64
	ShadowW     float64
	Alignment   int
	Margin      [3]int
	Encoding    int
}

// DefaultStyle mirrors the stock style of a fresh subtitle file.
func DefaultStyle() *Style {
	return &Style{
		Name:        "Default",
		FontName:    "Arial",
		FontSize:    20,
		Primary:     "&H00FFFFFF&",
		Secondary:   "&H000000FF&",
		Outline:     "&H00000000&",
		Shadow:      "&H00000000&",
		ScaleX:      100,
		ScaleY:      100,
		BorderStyle: 1,
		OutlineW:    2,
		ShadowW:     2,
		Alignment:   2,
		Margin:      [3]int{10, 10, 10},
		Encoding:    1,
	}
}

// Styles returns the ordered style list.
func (d *Document) Styles() []*Style { return d.styles }

// FindStyle returns the style with the given name, or nil.
func (d *Document) FindStyle(name string) *Style {
	for _, s := range d.styles {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddStyle appends a style. It returns an error when the name is taken.
func (d *Document) AddStyle(s *Style) error {
	if d.FindStyle(s.Name) != nil {
		return fmt.Errorf("style already exists: %s", s.Name)
	}
	d.styles = append(d.styles, s)
	return nil
}
