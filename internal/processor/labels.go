package processor

import (
	"math"
	"strings"

	"github.com/jo-hoe/imagelabeler/internal/common"
	"github.com/jo-hoe/imagelabeler/internal/detect"
	"github.com/jo-hoe/imagelabeler/internal/jobs"
)

// sceneConfidence is the raw score a label must exceed to be picked as the scene.
const sceneConfidence = 0.8

// SceneKeywords are matched as substrings of the lower-cased label description.
var SceneKeywords = []string{
	"selfie", "portrait", "landscape", "indoor", "outdoor", "nature",
	"city", "urban", "sky", "sunset", "sunrise", "night", "daytime",
	"architecture", "street", "beach", "mountain", "forest", "desert",
	"water", "ocean", "lake", "river", "building", "room", "home",
	"garden", "park", "countryside", "wilderness", "scenery", "vista",
	"bird", "animal", "wildlife", "pet", "insect", "fish", "mammal",
	"plant", "flower", "tree", "vegetation",
}

var likelihoodNames = map[string]string{
	detect.LikelihoodUnknown:      "Unknown",
	detect.LikelihoodVeryUnlikely: "Very Unlikely",
	detect.LikelihoodUnlikely:     "Unlikely",
	detect.LikelihoodPossible:     "Possible",
	detect.LikelihoodLikely:       "Likely",
	detect.LikelihoodVeryLikely:   "Very Likely",
}

// BuildLabels converts a provider annotation into the stored label structure.
func BuildLabels(ann *detect.Annotation) *jobs.Labels {
	objects, scenes, all := CategorizeLabels(ann.Labels)
	out := &jobs.Labels{
		Objects: objects,
		Scenes:  scenes,
		Labels:  all,
	}

	colors := ann.Colors
	if len(colors) > common.MaxDominantColors {
		colors = colors[:common.MaxDominantColors]
	}
	if len(colors) > 0 {
		out.DominantColors = make([]jobs.DominantColor, len(colors))
		for i, c := range colors {
			out.DominantColors[i] = jobs.DominantColor{
				Color:         jobs.RGB{Red: c.Red, Green: c.Green, Blue: c.Blue},
				Score:         c.Score,
				PixelFraction: c.PixelFraction,
			}
		}
	}

	if s := ann.SafeSearch; s != nil {
		out.SafeSearch = &jobs.SafeSearch{
			Adult:    MapLikelihood(s.Adult),
			Spoof:    MapLikelihood(s.Spoof),
			Medical:  MapLikelihood(s.Medical),
			Violence: MapLikelihood(s.Violence),
			Racy:     MapLikelihood(s.Racy),
		}
	}
	return out
}

// CategorizeLabels splits labels into objects and at most one scene, and returns all of
// them with percentage scores. The first label in input order that matches a scene
// keyword with raw score above 0.8 becomes the scene; every other label is an object.
func CategorizeLabels(in []detect.Label) (objects, scenes, all []jobs.LabelScore) {
	objects = make([]jobs.LabelScore, 0, len(in))
	scenes = make([]jobs.LabelScore, 0, 1)
	all = make([]jobs.LabelScore, 0, len(in))

	sceneFound := false
	for _, l := range in {
		ls := jobs.LabelScore{Description: l.Description, Score: Percent(l.Score)}
		all = append(all, ls)
		if !sceneFound && l.Score > sceneConfidence && isSceneLabel(l.Description) {
			scenes = append(scenes, ls)
			sceneFound = true
			continue
		}
		objects = append(objects, ls)
	}
	return objects, scenes, all
}

func isSceneLabel(description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range SceneKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Percent rescales a [0,1] confidence to a percentage rounded to one decimal place.
func Percent(score float64) float64 {
	return math.Round(score*1000) / 10
}

// MapLikelihood returns the readable name of a likelihood enum; unknown values map to "Unknown".
func MapLikelihood(v string) string {
	if name, ok := likelihoodNames[strings.ToUpper(strings.TrimSpace(v))]; ok {
		return name
	}
	return "Unknown"
}
