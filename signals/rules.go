package signals

import "regexp"

// Rules are kept as data so the heuristic set can be tested and tuned
// independently of the scoring algorithm. Order matters: earlier patterns
// contribute keywords first, which keeps derived output deterministic.

type rule struct {
	name string
	re   *regexp.Regexp
}

func mustRules(patterns ...string) []rule {
	out := make([]rule, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, rule{name: p, re: regexp.MustCompile(p)})
	}
	return out
}

// buyingIntentRules match phrases that indicate purchase readiness. All
// matching happens against lowercased content.
var buyingIntentRules = mustRules(
	`how much`,
	`\bprice\b`,
	`\bcost\b`,
	`can i (buy|get|order|purchase)`,
	`where (can i|do i|to) (buy|get|order)`,
	`(want|need|gonna|going) to (buy|get|order)`,
	`\bbuy (this|that|it|one)\b`,
	`\bpurchase\b`,
	`i('ll| will) take (it|one|two)`,
	`take my money`,
	`\bshut up and\b`,
	`(send|drop|share) (me )?(the |a )?link`,
	`\bdiscount\b`,
	`\bcoupon\b`,
	`\bpromo ?code\b`,
	`is (this|that|it) (still )?(available|in stock)`,
	`do you ship`,
	`\bshipping\b`,
	`\bcheckout\b`,
	`add to cart`,
)

// productQuestionRules match questions about price, availability, sizing, or
// fit. A match implies isQuestion even without a question mark.
var productQuestionRules = mustRules(
	`how much`,
	`what('s| is) the price`,
	`(is|are) (this|that|it|they) available`,
	`in stock`,
	`what size`,
	`(does|do|will) (it|this|that|they) (fit|come|work)`,
	`how (long|soon) (until|before|does)`,
	`when (will|does|do)`,
	`do you (have|ship|sell|offer)`,
	`which (one|color|size)`,
)

var positiveRules = mustRules(
	`\blove\b`,
	`\bamazing\b`,
	`\bawesome\b`,
	`\bgreat\b`,
	`\bbeautiful\b`,
	`\bgorgeous\b`,
	`\bperfect\b`,
	`\bnice\b`,
	`\bfire\b`,
	`\bcute\b`,
	`\bwant (it|this|that|one)\b`,
	`😍|🔥|❤️|💯`,
)

var negativeRules = mustRules(
	`\bhate\b`,
	`\bugly\b`,
	`\bterrible\b`,
	`\bawful\b`,
	`\bbad\b`,
	`too expensive`,
	`\boverpriced\b`,
	`\bscam\b`,
	`\bripoff\b`,
	`\bpass\b`,
	`no thanks`,
)

// matchRules returns the matched substrings for every rule that hits.
func matchRules(rules []rule, lowered string) []string {
	var hits []string
	for _, r := range rules {
		if m := r.re.FindString(lowered); m != "" {
			hits = append(hits, m)
		}
	}
	return hits
}

// countRules returns how many rules hit.
func countRules(rules []rule, lowered string) int {
	n := 0
	for _, r := range rules {
		if r.re.MatchString(lowered) {
			n++
		}
	}
	return n
}
