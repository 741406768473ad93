package shop

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/search"
	"github.com/xenking/quickcart/internal/domain/session"
	"github.com/xenking/quickcart/internal/failure"
)

// recipeFallbackLimit caps the items picked by search for an unknown dish.
const recipeFallbackLimit = 6

// DefaultRecipes returns the built-in recipe book keyed by dish name.
func DefaultRecipes() map[string][]string {
	return map[string][]string{
		"chai":                 {"milk-amul-1l", "tea-250g", "sugar-1kg", "ginger-100g"},
		"maggi":                {"maggi-masala"},
		"paneer butter masala": {"paneer-200g", "butter-100g", "tomato-1kg"},
		"dal chawal":           {"dal-toor-1kg", "rice-basmati-1kg"},
	}
}

func normalizeRecipes(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for dish, ids := range in {
		out[search.Normalize(dish)] = ids
	}
	return out
}

// RecipeResult reports what AddRecipe put into the cart.
type RecipeResult struct {
	Dish     string
	Servings int
	Added    []catalog.Item
	Cart     CartView
}

// AddRecipe adds the ingredients of dish to the session cart, servings
// units each. Dishes missing from the recipe book fall back to the best
// catalog matches for the dish name. Ingredients no longer in the catalog
// are skipped.
func (e *Engine) AddRecipe(sid, dish string, servings int) (RecipeResult, error) {
	const op = "shop.recipe"

	if servings < 1 {
		return RecipeResult{}, failure.New(failure.InvalidQuantity, op, dish, "servings must be at least 1")
	}
	ids := e.recipeItems(dish)
	if len(ids) == 0 {
		return RecipeResult{}, failure.New(failure.NotFound, op, dish, "no recipe or matching items")
	}

	s, err := e.sessions.Get(sid)
	if err != nil {
		return RecipeResult{}, err
	}
	res := RecipeResult{Dish: strings.TrimSpace(dish), Servings: servings}
	err = s.Do(func(st *session.State) error {
		for _, id := range ids {
			it, err := e.Get(id)
			if err != nil {
				continue
			}
			if err := st.Cart.Add(id, servings); err != nil {
				return err
			}
			res.Added = append(res.Added, it)
		}
		if len(res.Added) == 0 {
			return failure.New(failure.NotFound, op, dish, "recipe items are not in the catalog")
		}
		res.Cart = priced(st.Cart)
		return nil
	})
	if err != nil {
		return RecipeResult{}, err
	}
	return res, nil
}

func (e *Engine) recipeItems(dish string) []string {
	key := search.Normalize(dish)
	if key == "" {
		return nil
	}
	if ids, ok := e.recipes[key]; ok {
		return ids
	}
	var ids []string
	for _, r := range e.Search(dish, recipeFallbackLimit) {
		ids = append(ids, r.Item.ID)
	}
	return ids
}

var (
	servingsDigits = regexp.MustCompile(`(?i)\bfor\s+(\d+)`)
	servingsWords  = regexp.MustCompile(`(?i)\bfor\s+(one|two|three|four|five|six|seven|eight|nine|ten)\b`)
	ingredientsFor = regexp.MustCompile(`(?i)ingredients?\s+for\s+(.+)`)
	forPeople      = regexp.MustCompile(`(?i)\s*\bfor\s+\w+(\s+(people|persons|person))?`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// ParseRecipeRequest splits a free-text request such as "ingredients for
// chai for two" into the dish and the number of servings (at least 1).
func ParseRecipeRequest(text string) (dish string, servings int) {
	text = strings.TrimSpace(text)
	servings = 1
	if m := servingsDigits.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			servings = n
		}
	} else if m := servingsWords.FindStringSubmatch(text); m != nil {
		servings = numberWords[strings.ToLower(m[1])]
	}

	dish = text
	if m := ingredientsFor.FindStringSubmatch(text); m != nil {
		dish = m[1]
	}
	dish = strings.TrimSpace(forPeople.ReplaceAllString(dish, ""))
	return dish, servings
}
