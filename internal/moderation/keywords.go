package moderation

// Corpus is the keyword material the classifier matches against. The three
// lists are expected to be disjoint.
type Corpus struct {
	Explicit []string
	Soft     []string
	Fetish   []string
}

func DefaultCorpus() Corpus {
	return Corpus{
		Explicit: []string{
			"sex", "sexy", "nude", "naked", "pussy", "penis", "vagina", "boobs", "breasts",
			"cum", "cumshot", "sperm", "semen", "anal", "fuck", "hardcore", "porn", "xxx",
			"fetish", "bondage", "bdsm", "slave", "rape", "tentacle", "fellatio", "blowjob",
			"handjob", "threesome", "orgy", "69", "hentai", "nsfw", "explicit",
		},
		Soft:   []string{"bikini", "lingerie", "cleavage", "seethrough", "underboob", "nipple"},
		Fetish: []string{"feet", "armpit", "pregnant", "macro", "giantess", "vore"},
	}
}
