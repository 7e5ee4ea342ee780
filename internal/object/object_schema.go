package object

// Validation limit constants
const (
	MaxIDLength     = 128
	MaxStringLength = 1000
	MaxPointsInPath = 10000
	MaxCoordinate   = 1000000
	MinCoordinate   = -1000000
	MaxStrokeWidth  = 1000
	MaxFontSize     = 500
	MaxColorLength  = 50
)

// GetSchemaForType returns a fresh schema struct for a drawing type, or nil
// when the type has no schema and the payload is kept opaque.
func GetSchemaForType(objType string) interface{} {
	switch objType {
	case "rect":
		return &RectangleData{}
	case "circle":
		return &CircleData{}
	case "line":
		return &LineData{}
	case "path":
		return &PathData{}
	case "text":
		return &TextData{}
	default:
		return nil
	}
}

// =============================================================================
// Common Embedded Structs
// =============================================================================

// x,y coordinates for positioning shapes on the canvas
type Position struct {
	X float64 `json:"x" validate:"min=-1000000,max=1000000"`
	Y float64 `json:"y" validate:"min=-1000000,max=1000000"`
}

// center x,y coordinates (cx, cy) for circular shapes
type CenterPosition struct {
	CX float64 `json:"cx" validate:"min=-1000000,max=1000000"`
	CY float64 `json:"cy" validate:"min=-1000000,max=1000000"`
}

type Size struct {
	Width  float64 `json:"width" validate:"min=0,max=1000000"`
	Height float64 `json:"height" validate:"min=0,max=1000000"`
}

// start and end points for line-based shapes
type LineCoordinates struct {
	X1 float64 `json:"x1" validate:"min=-1000000,max=1000000"`
	Y1 float64 `json:"y1" validate:"min=-1000000,max=1000000"`
	X2 float64 `json:"x2" validate:"min=-1000000,max=1000000"`
	Y2 float64 `json:"y2" validate:"min=-1000000,max=1000000"`
}

type StyleProps struct {
	Fill        string  `json:"fill,omitempty" validate:"omitempty,max=50"`
	Stroke      string  `json:"stroke,omitempty" validate:"omitempty,max=50"`
	StrokeWidth float64 `json:"strokeWidth,omitempty" validate:"omitempty,min=0,max=1000"`
	Opacity     float64 `json:"opacity,omitempty" validate:"omitempty,min=0,max=1"`
}

type Transform struct {
	Rotation float64 `json:"rotation,omitempty" validate:"omitempty,min=-360,max=360"`
}

// =============================================================================
// Shape Types
// =============================================================================

type RectangleData struct {
	Position
	Size
	StyleProps
	Transform
}

type CircleData struct {
	CenterPosition
	Radius float64 `json:"radius" validate:"min=0,max=1000000"`
	StyleProps
}

type LineData struct {
	LineCoordinates
	Stroke      string  `json:"stroke,omitempty" validate:"omitempty,max=50"`
	StrokeWidth float64 `json:"strokeWidth,omitempty" validate:"omitempty,min=0,max=1000"`
	Opacity     float64 `json:"opacity,omitempty" validate:"omitempty,min=0,max=1"`
}

// PathData is a freehand stroke: a list of [x, y] pairs.
type PathData struct {
	Points      [][2]float64 `json:"points" validate:"required,min=1,max=10000,dive,dive,min=-1000000,max=1000000"`
	Stroke      string       `json:"stroke,omitempty" validate:"omitempty,max=50"`
	StrokeWidth float64      `json:"strokeWidth,omitempty" validate:"omitempty,min=0,max=1000"`
}

type TextData struct {
	Position
	Text       string  `json:"text" validate:"required,max=1000"`
	FontSize   float64 `json:"fontSize,omitempty" validate:"omitempty,min=1,max=500"`
	FontFamily string  `json:"fontFamily,omitempty" validate:"omitempty,max=100"`
	Fill       string  `json:"fill,omitempty" validate:"omitempty,max=50"`
	Bold       bool    `json:"bold,omitempty"`
	Italic     bool    `json:"italic,omitempty"`
	Transform
}
