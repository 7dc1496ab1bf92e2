/*
Package mnemo is a temporal knowledge-graph memory store. It ingests raw
episodes (chat messages, text, JSON documents), extracts entities and facts
through an injected language-understanding capability, resolves them
against the existing graph, and tracks when each fact became true and when
it stopped being true. Contradicted facts are invalidated, never deleted.

Each graph is an isolated namespace owned by a user or group. Episodes of
one graph are processed strictly in submission order so later facts always
see the committed effects of earlier ones; batch submission trades that
guarantee for throughput.

Retrieval combines semantic and lexical passes fused with Reciprocal Rank
Fusion, with optional rerankers for diversity, graph distance, mention
count and cross-encoder relevance. The context composer renders the facts
and entities relevant to a conversation's recent turns into a fixed-format
block ready to hand to an assistant.

	client, err := mnemo.New(mnemo.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	graphID := types.UserGraphID("kendra")
	episode, _ := client.AddEpisode(ctx, graphID, ingest.EpisodeInput{
		Type:    types.EpisodeText,
		Content: "Kendra loves Adidas shoes",
	})
	client.WaitForIngestion(ctx)

	results, _ := client.Search(ctx, graphID, "Kendra", search.Config{
		Scope: search.ScopeEdges,
	})
	_ = episode
	_ = results
*/
package mnemo
